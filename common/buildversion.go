// Package common holds small helpers shared by the command-line tools.
package common

import (
	"os"
	"path/filepath"

	git "github.com/go-git/go-git/v5"
)

const shortHashLen = 8

// GetCommitHash returns the short HEAD hash of the repository containing the
// working directory or, failing that, the executable. It returns "unknown"
// outside a repository.
func GetCommitHash() string {
	var dirs []string
	if cwd, err := os.Getwd(); err == nil {
		dirs = append(dirs, cwd)
	}
	if exe, err := os.Executable(); err == nil {
		dirs = append(dirs, filepath.Dir(exe))
	}
	for _, dir := range dirs {
		if hash := headHash(dir); hash != "" {
			return shorten(hash)
		}
	}
	return "unknown"
}

func shorten(hash string) string {
	if len(hash) > shortHashLen {
		return hash[:shortHashLen]
	}
	return hash
}

func headHash(dir string) string {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return ""
	}
	head, err := repo.Head()
	if err != nil {
		return ""
	}
	return head.Hash().String()
}
