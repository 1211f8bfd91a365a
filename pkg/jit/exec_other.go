//go:build !linux || !amd64

package jit

const nativeSupported = false

func callJIT(entry, state uintptr) {
	panic("jit: native execution is not supported on this platform")
}

func mapExecutable(code []byte) ([]byte, error) {
	return nil, ErrUnsupportedPlatform
}

func mapScratch(size, guard int) ([]byte, error) {
	return nil, ErrUnsupportedPlatform
}

func unmap(b []byte) error {
	return nil
}
