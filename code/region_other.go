//go:build !unix

package code

func mapMemory(size int) ([]byte, func() error, error) {
	return nil, nil, errMmapUnsupported
}
