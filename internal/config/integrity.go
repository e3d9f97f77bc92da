package config

import (
	"errors"
	"fmt"
	"path/filepath"
)

// IntegrityResult collects the findings of VerifyIntegrity. Errors make
// the config unusable; warnings are reported and ignored.
type IntegrityResult struct {
	Passed       bool
	ChecksumPath string
	Warnings     []string
	Errors       []string
}

// VerifyIntegrity checks configPath against the .checksums manifest in
// its directory. A missing manifest is an error when strict, otherwise a
// warning. A manifest that exists always binds: a missing entry or a hash
// mismatch fails.
func VerifyIntegrity(configPath string, strict bool) (*IntegrityResult, error) {
	dir := filepath.Dir(configPath)
	name := filepath.Base(configPath)
	result := &IntegrityResult{Passed: true, ChecksumPath: filepath.Join(dir, ChecksumFile)}

	manifest, err := LoadChecksums(dir)
	if errors.Is(err, ErrNoChecksums) {
		msg := fmt.Sprintf("no %s manifest found at %s; run 'controller config lock' to enable integrity verification", ChecksumFile, result.ChecksumPath)
		if strict {
			result.Passed = false
			result.Errors = append(result.Errors, msg)
		} else {
			result.Warnings = append(result.Warnings, msg)
		}
		return result, nil
	}
	if err != nil {
		return nil, err
	}

	expectedHash, ok := manifest.Hashes[name]
	if !ok {
		result.Passed = false
		result.Errors = append(result.Errors, fmt.Sprintf("file %s not in %s manifest", name, ChecksumFile))
		return result, nil
	}

	if err := VerifyFileHash(configPath, expectedHash); err != nil {
		result.Passed = false
		result.Errors = append(result.Errors, err.Error())
	}
	return result, nil
}
