package pipelines

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type PipelineFile struct {
	FilePath   string
	Code       string
	Definition *Definition
	Checksum   string
}

type LoadResult struct {
	Pipelines  []*PipelineFile
	Errors     []LoadError
	TotalFiles int
}

type LoadError struct {
	FilePath string
	Error    error
}

// Loader reads declarative pipeline documents from a directory. Files are
// named <code>.pipeline.yaml (or .yml/.json); the file name supplies the
// pipeline code when the document omits one.
type Loader struct {
	pipelinesDir string
}

func NewLoader(pipelinesDir string) *Loader {
	return &Loader{pipelinesDir: pipelinesDir}
}

func (l *Loader) LoadAll() (*LoadResult, error) {
	result := &LoadResult{
		Pipelines: []*PipelineFile{},
		Errors:    []LoadError{},
	}

	if _, err := os.Stat(l.pipelinesDir); os.IsNotExist(err) {
		return result, nil
	}

	var allFiles []string
	for _, pattern := range []string{"*.pipeline.yaml", "*.pipeline.yml", "*.pipeline.json"} {
		files, err := filepath.Glob(filepath.Join(l.pipelinesDir, pattern))
		if err != nil {
			return nil, fmt.Errorf("failed to scan pipeline files: %w", err)
		}
		allFiles = append(allFiles, files...)
	}
	result.TotalFiles = len(allFiles)

	for _, filePath := range allFiles {
		pf, err := l.LoadFile(filePath)
		if err != nil {
			result.Errors = append(result.Errors, LoadError{
				FilePath: filePath,
				Error:    err,
			})
			continue
		}
		result.Pipelines = append(result.Pipelines, pf)
	}

	return result, nil
}

func (l *Loader) LoadFile(filePath string) (*PipelineFile, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var def Definition
	if strings.HasSuffix(filePath, ".json") {
		if err := json.Unmarshal(content, &def); err != nil {
			return nil, fmt.Errorf("failed to parse JSON: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(content, &def); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}

	if def.Code == "" {
		def.Code = extractPipelineCode(filePath)
	}

	validation := ValidateDefinition(&def)
	if !validation.OK() {
		var errMsgs []string
		for _, issue := range validation.Errors {
			errMsgs = append(errMsgs, fmt.Sprintf("%s: %s", issue.Path, issue.Message))
		}
		return nil, fmt.Errorf("%w: %s", ErrValidation, strings.Join(errMsgs, "; "))
	}

	return &PipelineFile{
		FilePath:   filePath,
		Code:       def.Code,
		Definition: &def,
		Checksum:   computeChecksum(content),
	}, nil
}

func extractPipelineCode(filePath string) string {
	base := filepath.Base(filePath)
	for _, suffix := range []string{".pipeline.yaml", ".pipeline.yml", ".pipeline.json"} {
		if strings.HasSuffix(base, suffix) {
			return strings.TrimSuffix(base, suffix)
		}
	}
	ext := filepath.Ext(base)
	return strings.TrimSuffix(base, ext)
}

func computeChecksum(content []byte) string {
	hash := md5.Sum(content)
	return hex.EncodeToString(hash[:])
}
