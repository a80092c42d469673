//go:build !unix && !windows

package local

import "os"

func platformMetadata(os.FileInfo) map[string]string {
	return nil
}
