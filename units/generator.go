package units

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/sorenmh/infrastructure-shared/appd/models"
)

// UnitGenerator is the interface for rendering service unit files
type UnitGenerator interface {
	Generate(descriptor Descriptor) ([]byte, error)
}

// Options control how descriptors are built from app records
type Options struct {
	Shell      string
	RestartSec int
	UserScope  bool
}

// Descriptor is everything a generated unit file contains
type Descriptor struct {
	Name             string
	Description      string
	WorkingDirectory string
	ExecStart        string
	RestartSec       int
	WantedBy         string
}

// FileName returns the unit file name, e.g. "acme-widget.service".
func (d Descriptor) FileName() string {
	return d.Name + ".service"
}

// Generator implements the UnitGenerator interface
type Generator struct {
	template *template.Template
}

// NewGenerator creates a new unit generator
func NewGenerator() *Generator {
	tmpl := template.Must(template.New("unit").Parse(unitTemplate))
	return &Generator{
		template: tmpl,
	}
}

// Build derives the unit descriptor for record checked out at checkoutDir.
func Build(record models.AppRecord, checkoutDir string, opts Options) (Descriptor, error) {
	systemID, ok := record.SystemID()
	if !ok {
		return Descriptor{}, models.InvalidRepo(record.Repo)
	}
	if strings.TrimSpace(record.RunCommand) == "" {
		return Descriptor{}, fmt.Errorf("run command is empty")
	}

	shell := opts.Shell
	if shell == "" {
		shell = "/bin/bash"
	}
	restartSec := opts.RestartSec
	if restartSec <= 0 {
		restartSec = 5
	}
	wantedBy := "multi-user.target"
	if opts.UserScope {
		wantedBy = "default.target"
	}

	absDir, err := filepath.Abs(checkoutDir)
	if err != nil {
		return Descriptor{}, fmt.Errorf("failed to resolve working directory: %w", err)
	}

	return Descriptor{
		Name:             systemID,
		Description:      singleLine(record.FolderName() + " (managed by appd)"),
		WorkingDirectory: absDir,
		ExecStart:        shell + " -c " + QuoteArg(record.RunCommand),
		RestartSec:       restartSec,
		WantedBy:         wantedBy,
	}, nil
}

// Generate renders the unit file for descriptor.
func (g *Generator) Generate(descriptor Descriptor) ([]byte, error) {
	if descriptor.Name == "" {
		return nil, fmt.Errorf("unit name is required")
	}
	if descriptor.ExecStart == "" {
		return nil, fmt.Errorf("unit %q has no ExecStart", descriptor.Name)
	}

	data := descriptor
	data.WorkingDirectory = quotePath(descriptor.WorkingDirectory)

	var buf bytes.Buffer
	if err := g.template.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to execute unit template: %w", err)
	}

	return buf.Bytes(), nil
}

// QuoteArg renders s as one double-quoted systemd command line argument.
// Specifier and variable expansion are disabled by doubling % and $.
func QuoteArg(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range singleLine(s) {
		switch r {
		case '"', '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		case '$':
			b.WriteString("$$")
		case '%':
			b.WriteString("%%")
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}

// quotePath escapes specifiers in a path setting. WorkingDirectory does not
// take quotes.
func quotePath(p string) string {
	return strings.ReplaceAll(singleLine(p), "%", "%%")
}

func singleLine(s string) string {
	return strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(s)
}

const unitTemplate = `[Unit]
Description={{ .Description }}
After=network.target

[Service]
Type=simple
WorkingDirectory={{ .WorkingDirectory }}
ExecStart={{ .ExecStart }}
Restart=always
RestartSec={{ .RestartSec }}
StandardOutput=journal
StandardError=journal

[Install]
WantedBy={{ .WantedBy }}
`
