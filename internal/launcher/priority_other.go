//go:build !unix

package launcher

func setPriority(int, bool) error { return nil }
