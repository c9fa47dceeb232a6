//go:build !linux

package filestore

import "os"

func adviseSequential(*os.File) {}

func syncDir(string) error { return nil }
