//go:build !unix

package orchestrator

import "errors"

// freeBytes 在非 unix 平台不支持，调用方跳过空间检查
func freeBytes(string) (uint64, error) {
	return 0, errors.ErrUnsupported
}
