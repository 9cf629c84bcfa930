package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/c360/semstreams-robotics/errors"
)

// Document is the decoded content of one catalog file. Rejected holds one
// error per malformed entry; those entries are not in Pipes or Components.
type Document struct {
	Pipes      []PipeDescriptor
	Components []ComponentDescriptor
	Rejected   []error
}

// CatalogLoader reads catalog entries from a source
type CatalogLoader interface {
	Load(path string) (Document, error)
}

// FileLoader loads YAML catalog files of the form
//
//	pipes:
//	  - category: object_detection
//	    name: yolo
//	    reliability: 0.9
//	    segments:
//	      - type: camera
//	        outputs: [image]
//	components:
//	  - name: camera_driver
//	    type: camera
type FileLoader struct{}

type rawDocument struct {
	Pipes      []yaml.Node `yaml:"pipes"`
	Components []yaml.Node `yaml:"components"`
}

// Load parses path. Only an unreadable file or a document that is not a
// catalog at all fails; bad entries are reported in Document.Rejected.
func (FileLoader) Load(path string) (Document, error) {
	if !isYAMLFile(path) {
		return Document{}, errors.WrapInvalid(errors.ErrInvalidConfig, "FileLoader", "Load",
			fmt.Sprintf("catalog %s is not a YAML file", path))
	}

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Document{}, errors.WrapTransient(err, "FileLoader", "Load", "read catalog file")
	}
	return Parse(data)
}

// Parse decodes a catalog document, one entry at a time
func Parse(data []byte) (Document, error) {
	var raw rawDocument
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Document{}, errors.WrapInvalid(errors.ErrParsingFailed, "FileLoader", "Parse", err.Error())
	}

	var doc Document
	for i := range raw.Pipes {
		var p PipeDescriptor
		if err := raw.Pipes[i].Decode(&p); err != nil {
			doc.Rejected = append(doc.Rejected, errors.WrapInvalid(errors.ErrParsingFailed, "FileLoader", "Parse",
				fmt.Sprintf("pipe entry %d at line %d: %v", i, raw.Pipes[i].Line, err)))
			continue
		}
		p.Normalize()
		if err := p.Validate(); err != nil {
			doc.Rejected = append(doc.Rejected, err)
			continue
		}
		doc.Pipes = append(doc.Pipes, p)
	}

	for i := range raw.Components {
		var c ComponentDescriptor
		if err := raw.Components[i].Decode(&c); err != nil {
			doc.Rejected = append(doc.Rejected, errors.WrapInvalid(errors.ErrParsingFailed, "FileLoader", "Parse",
				fmt.Sprintf("component entry %d at line %d: %v", i, raw.Components[i].Line, err)))
			continue
		}
		if err := c.Validate(); err != nil {
			doc.Rejected = append(doc.Rejected, err)
			continue
		}
		doc.Components = append(doc.Components, c)
	}
	return doc, nil
}

// LoadInto loads path and replaces the entries it previously contributed
// to registry. Rejected entries are returned alongside any load error.
func LoadInto(loader CatalogLoader, registry *Registry, path string) ([]error, error) {
	doc, err := loader.Load(path)
	if err != nil {
		return nil, err
	}
	for _, rejectErr := range doc.Rejected {
		registry.reject(path, rejectErr)
	}
	rejected := registry.ReplaceSource(path, doc.Pipes, doc.Components)
	return append(doc.Rejected, rejected...), nil
}

func isYAMLFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
