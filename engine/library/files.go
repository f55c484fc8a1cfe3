package library

import (
	"os"
	"path/filepath"
)

// Touch creates an empty file (and its parent directory) if it does not exist.
func Touch(path string) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		LogCLI(err.Error(), 0)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		f, err := os.Create(path)
		if err != nil {
			LogCLI(err.Error(), 0)
			return
		}
		f.Close()
	}
}
