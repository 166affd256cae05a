package disk

// DeviceChecker reports whether a path is a block device.
type DeviceChecker interface {
	IsBlockDevice(path string) (bool, error)
}

// StatChecker stats the path on the local host.
type StatChecker struct{}

func (StatChecker) IsBlockDevice(path string) (bool, error) {
	return isBlockDevice(path)
}

// DeviceCheckerFunc adapts a function to DeviceChecker.
type DeviceCheckerFunc func(path string) (bool, error)

func (f DeviceCheckerFunc) IsBlockDevice(path string) (bool, error) {
	return f(path)
}
