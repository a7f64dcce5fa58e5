// Package importer turns vector and CAD files into scene code that imports them into the execution peer.
package importer

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"text/template"

	"go.uber.org/zap"
)

// SupportedFormats are the accepted file formats, lower case and without a leading dot.
var SupportedFormats = []string{"svg", "dxf"}

var ErrUnsupportedFormat = errors.New("unsupported file format")

// Options control the generated code.
type Options struct {
	Extrude      bool
	ExtrudeDepth float64
	Scale        float64
}

// DefaultOptions extrude by 0.1 at scale 1.
func DefaultOptions() Options {
	return Options{Extrude: true, ExtrudeDepth: 0.1, Scale: 1.0}
}

type Importer struct {
	log     *zap.SugaredLogger
	tempDir string
}

type Option func(i *Importer)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(i *Importer) {
		i.log = l.Named("importer")
	}
}

// WithTempDir sets where imported files are staged. The execution peer must be able to read it.
func WithTempDir(dir string) Option {
	return func(i *Importer) {
		i.tempDir = dir
	}
}

func New(opts ...Option) *Importer {
	i := &Importer{log: zap.NewNop().Sugar()}
	for _, o := range opts {
		o(i)
	}
	return i
}

// NormalizeFormat lower-cases format and strips a leading dot. It returns ErrUnsupportedFormat for
// formats outside SupportedFormats.
func NormalizeFormat(format string) (string, error) {
	f := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(format), "."))
	for _, s := range SupportedFormats {
		if f == s {
			return f, nil
		}
	}
	return "", fmt.Errorf("%w: %s. Supported formats: %s", ErrUnsupportedFormat, format, strings.Join(SupportedFormats, ", "))
}

// Script is generated import code together with the file it imports.
type Script struct {
	Code string
	// Path is the staged file. The code removes it once it has run; if the code never runs,
	// call Remove.
	Path string
}

// Remove deletes the staged file. A file that is already gone is not an error.
func (s *Script) Remove() error {
	if err := os.Remove(s.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing staged file: %w", err)
	}
	return nil
}

// GenerateCode stages data in a temporary file and returns code that imports it, optionally extrudes
// the imported curves, and removes the staged file.
func (i *Importer) GenerateCode(data []byte, format string, opts Options) (*Script, error) {
	f, err := NormalizeFormat(format)
	if err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp(i.tempDir, "import-*."+f)
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	_, err = tmp.Write(data)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("writing temp file: %w", err)
	}
	i.log.Debugw("staged import file", "Path", tmp.Name(), "Format", f, "Bytes", len(data))

	code, err := render(f, tmp.Name(), opts)
	if err != nil {
		os.Remove(tmp.Name())
		return nil, err
	}
	return &Script{Code: code, Path: tmp.Name()}, nil
}

var funcs = template.FuncMap{
	"py": strconv.Quote,
	"num": func(f float64) string {
		return strconv.FormatFloat(f, 'f', -1, 64)
	},
}

var templates = template.Must(template.New("import").Funcs(funcs).Parse(`
{{- define "svg" }}
import bpy

bpy.ops.import_curve.svg(filepath={{ py .Path }})

imported_curves = [obj for obj in bpy.context.scene.objects if obj.type == 'CURVE' and obj.select_get()]

for curve in imported_curves:
    bpy.context.view_layer.objects.active = curve
    bpy.ops.object.origin_set(type='ORIGIN_GEOMETRY')
    curve.data.dimensions = '2D'
{{ template "transform" . }}
{{- end }}

{{- define "dxf" }}
import bpy

bpy.ops.import_scene.dxf(filepath={{ py .Path }})

imported_curves = [obj for obj in bpy.context.scene.objects if obj.type == 'CURVE' and obj.select_get()]

for curve in imported_curves:
    bpy.context.view_layer.objects.active = curve
    bpy.ops.object.origin_set(type='ORIGIN_GEOMETRY')
{{ template "transform" . }}
{{- end }}

{{- define "transform" }}
{{- if ne .Scale 1.0 }}
for curve in imported_curves:
    curve.scale = ({{ num .Scale }}, {{ num .Scale }}, {{ num .Scale }})
{{ end }}
{{- if .Extrude }}
for curve in imported_curves:
    bpy.context.view_layer.objects.active = curve
    curve.data.extrude = {{ num .ExtrudeDepth }}
    curve.data.dimensions = '3D'
{{ end }}
import os
os.remove({{ py .Path }})
{{- end }}
`))

type templateData struct {
	Options
	Path string
}

func render(format, path string, opts Options) (string, error) {
	if opts.Scale == 0 {
		opts.Scale = 1.0
	}
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, format, templateData{Options: opts, Path: path}); err != nil {
		return "", fmt.Errorf("rendering %s import code: %w", format, err)
	}
	return buf.String(), nil
}
