package main

import (
	"strconv"

	"github.com/aparcar/firmwareforge/internal/model"
)

func buildStatusOrEmpty(s string) model.BuildStatus {
	if s == "" {
		return ""
	}
	return model.BuildStatus(s)
}

func parseBuildID(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}
