// Package function implements the relay's external plugin dispatch surface:
// parsing an inbound request into typed parameters, invoking a registered
// Function, and relaying either a JSON result or a streamed one.
package function

import (
	"context"
	"io"
	"mime/multipart"
	"net/url"
)

// FileParam is one uploaded file from a multipart request.
type FileParam struct {
	FieldName string
	FileName  string
	Content   io.ReadCloser
}

// Params is everything a Function can read from the inbound request.
type Params struct {
	Query url.Values
	Form  url.Values
	JSON  map[string]any
	Files []FileParam
}

// Result is what a Function hands back to the dispatcher. Exactly one of
// JSON or Stream is populated.
type Result struct {
	JSON              map[string]any
	Stream            io.ReadCloser
	StreamContentType string
	StreamFileName    string
}

// Function is the contract every plugin callee implements. Implementations
// are external collaborators; this package only specifies and dispatches
// the contract.
type Function interface {
	Invoke(ctx context.Context, params Params) (Result, error)
}

// Registry maps (plugin, function) pairs to their Function implementation.
type Registry struct {
	functions map[string]Function
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{functions: make(map[string]Function)}
}

// Register binds a plugin/function pair to an implementation.
func (r *Registry) Register(plugin, name string, fn Function) {
	r.functions[key(plugin, name)] = fn
}

// Lookup returns the Function bound to (plugin, name), if any.
func (r *Registry) Lookup(plugin, name string) (Function, bool) {
	fn, ok := r.functions[key(plugin, name)]
	return fn, ok
}

func key(plugin, name string) string {
	return plugin + "/" + name
}

// EchoFunction is a reference implementation that returns its parsed
// parameters unchanged, used to exercise the dispatch surface end to end.
type EchoFunction struct{}

func (EchoFunction) Invoke(_ context.Context, params Params) (Result, error) {
	out := map[string]any{
		"query": params.Query,
		"form":  params.Form,
	}
	if params.JSON != nil {
		out["json"] = params.JSON
	}
	if len(params.Files) > 0 {
		names := make([]string, len(params.Files))
		for i, f := range params.Files {
			names[i] = f.FileName
		}
		out["files"] = names
	}
	return Result{JSON: out}, nil
}

// StaticFileFunction streams a fixed in-memory payload back as a named file,
// exercising the stream-result half of the dispatch surface.
type StaticFileFunction struct {
	ContentType string
	FileName    string
	Content     []byte
}

func (f StaticFileFunction) Invoke(_ context.Context, _ Params) (Result, error) {
	return Result{
		Stream:            io.NopCloser(newByteReader(f.Content)),
		StreamContentType: f.ContentType,
		StreamFileName:    f.FileName,
	}, nil
}

type byteReader struct {
	data []byte
	pos  int
}

func newByteReader(data []byte) *byteReader { return &byteReader{data: data} }

func (r *byteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}

// multipartFiles converts a parsed multipart form's file headers into
// FileParam values, opening each file for reading.
func multipartFiles(form *multipart.Form) ([]FileParam, error) {
	if form == nil {
		return nil, nil
	}
	var files []FileParam
	for field, headers := range form.File {
		for _, h := range headers {
			f, err := h.Open()
			if err != nil {
				return nil, err
			}
			files = append(files, FileParam{FieldName: field, FileName: h.Filename, Content: f})
		}
	}
	return files, nil
}
