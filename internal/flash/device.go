package flash

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	blkGetSize64 = 0x80081272 // BLKGETSIZE64
	blkSSZGet    = 0x1268     // BLKSSZGET
	blkFlsBuf    = 0x1261     // BLKFLSBUF
)

// partitionSuffix matches device names that are shaped like a partition of
// a known whole-device prefix (spec §4.5 precondition 1: "terminal digit
// after a known device prefix").
var partitionSuffix = regexp.MustCompile(`^(?:/dev/(?:sd[a-z]+|vd[a-z]+))\d+$|^(?:/dev/(?:nvme\d+n\d+|mmcblk\d+))p\d+$`)

func ioctlUint64(fd uintptr, cmd uintptr) (uint64, error) {
	var res uint64
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, fd, cmd, uintptr(unsafe.Pointer(&res)))
	if errno != 0 {
		return 0, errno
	}
	return res, nil
}

// flushDeviceCache asks the kernel to drop the block device's buffer cache
// for f via BLKFLSBUF, the device-level counterpart to a process-level
// fsync. ENOTTY means f is not a block device (e.g. a regular file used in
// tests) and is treated as a no-op rather than an error.
func flushDeviceCache(f *os.File) error {
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, f.Fd(), uintptr(blkFlsBuf), 0)
	if errno != 0 && errno != syscall.ENOTTY {
		return errno
	}
	return nil
}

// deviceSize returns the block device's size in bytes via BLKGETSIZE64.
func deviceSize(f *os.File) (uint64, error) {
	return ioctlUint64(f.Fd(), blkGetSize64)
}

// sectorSize returns the block device's logical sector size via BLKSSZGET.
func sectorSize(f *os.File) (uint64, error) {
	return ioctlUint64(f.Fd(), blkSSZGet)
}

// isWholeDevice reports whether devicePath names a whole block device
// rather than a partition, checking both filename shape and kernel metadata
// where available (spec §4.5 precondition 1).
func isWholeDevice(devicePath string) (bool, error) {
	fi, err := os.Stat(devicePath)
	if err != nil {
		return false, fmt.Errorf("stat device: %w", err)
	}
	if fi.Mode()&os.ModeDevice == 0 {
		return false, fmt.Errorf("%s is not a device node", devicePath)
	}

	if partitionSuffix.MatchString(devicePath) {
		return false, nil
	}

	name := filepath.Base(devicePath)
	if _, err := os.Stat(filepath.Join("/sys/class/block", name, "partition")); err == nil {
		return false, nil
	}
	return true, nil
}

// deviceModel reads the kernel-reported model string for a whole device,
// best-effort (spec §3 FlashRecord.DeviceModel).
func deviceModel(devicePath string) string {
	name := filepath.Base(devicePath)
	data, err := os.ReadFile(filepath.Join("/sys/block", name, "device", "model"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// deviceSerial reads the kernel-reported serial string, best-effort.
func deviceSerial(devicePath string) string {
	name := filepath.Base(devicePath)
	data, err := os.ReadFile(filepath.Join("/sys/block", name, "device", "serial"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// isSystemRootDevice is the best-effort check of spec §4.5 precondition 2:
// refuse to flash the device the running system's root filesystem lives on.
func isSystemRootDevice(devicePath string) (bool, error) {
	var st unix.Stat_t
	if err := unix.Stat("/", &st); err != nil {
		return false, fmt.Errorf("stat /: %w", err)
	}
	rootMajor := unix.Major(uint64(st.Dev))

	var dst unix.Stat_t
	if err := unix.Stat(devicePath, &dst); err != nil {
		return false, fmt.Errorf("stat device: %w", err)
	}
	devMajor := unix.Major(uint64(dst.Rdev))
	// The root filesystem's minor number identifies a partition; the whole
	// device shares the major number with it, so comparing majors alone
	// catches "this is the disk the root partition lives on".
	return devMajor == rootMajor && devMajor != 0, nil
}
