// Package util holds small helpers shared by the server and the worker.
package util

import (
	"fmt"
	"os"
	"os/exec"
)

// FindBinary resolves an executable by name: an environment override
// wins, then a copy in the working directory, then PATH. Override and
// working-directory hits must be executable regular files.
func FindBinary(name, envVar string) (string, error) {
	var candidates []string
	if envVar != "" {
		if p := os.Getenv(envVar); p != "" {
			candidates = append(candidates, p)
		}
	}
	candidates = append(candidates, "./"+name)

	for _, p := range candidates {
		if info, err := os.Stat(p); err == nil && !info.IsDir() && info.Mode()&0o111 != 0 {
			return p, nil
		}
	}
	if p, err := exec.LookPath(name); err == nil {
		return p, nil
	}
	return "", fmt.Errorf("binary %s not found", name)
}
