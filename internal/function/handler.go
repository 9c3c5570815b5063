package function

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tokenrelay/relay/internal/relayerrors"
)

func timeNow() time.Time { return time.Now().UTC() }

const maxMultipartMemory = 32 << 20 // 32 MiB held in memory before spilling to temp files

// Handler dispatches POST|GET /function/{plugin}/{function} requests to a
// registered Function, parsing the inbound request into Params and relaying
// either a JSON or streamed Result.
type Handler struct {
	registry *Registry
}

// NewHandler builds a Handler backed by registry.
func NewHandler(registry *Registry) *Handler {
	return &Handler{registry: registry}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	plugin, name, ok := pluginAndFunction(r.URL.Path)
	if !ok {
		relayerrors.WriteJSON(w, relayerrors.Target(http.StatusBadRequest, "expected path /function/{plugin}/{function}"), timeNow())
		return
	}
	fn, ok := h.registry.Lookup(plugin, name)
	if !ok {
		relayerrors.WriteJSON(w, relayerrors.Target(http.StatusNotFound, fmt.Sprintf("unknown function %s/%s", plugin, name)), timeNow())
		return
	}

	params, err := parseParams(r)
	if err != nil {
		relayerrors.WriteJSON(w, relayerrors.Target(http.StatusBadRequest, err.Error()), timeNow())
		return
	}

	result, err := fn.Invoke(r.Context(), params)
	if err != nil {
		relayerrors.WriteJSON(w, relayerrors.Internal(err), timeNow())
		return
	}

	writeResult(w, result)
}

func pluginAndFunction(path string) (plugin, name string, ok bool) {
	trimmed := strings.TrimPrefix(path, "/function/")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func parseParams(r *http.Request) (Params, error) {
	params := Params{Query: r.URL.Query()}

	contentType := r.Header.Get("Content-Type")
	mediaType, _, _ := mime.ParseMediaType(contentType)

	switch {
	case mediaType == "application/json":
		decoder := json.NewDecoder(r.Body)
		var body map[string]any
		if err := decoder.Decode(&body); err != nil && err != io.EOF {
			return Params{}, fmt.Errorf("invalid json body: %w", err)
		}
		params.JSON = body

	case mediaType == "multipart/form-data":
		if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
			return Params{}, fmt.Errorf("invalid multipart body: %w", err)
		}
		params.Form = url.Values(r.MultipartForm.Value)
		files, err := multipartFiles(r.MultipartForm)
		if err != nil {
			return Params{}, fmt.Errorf("reading uploaded file: %w", err)
		}
		params.Files = files

	case mediaType == "application/x-www-form-urlencoded":
		if err := r.ParseForm(); err != nil {
			return Params{}, fmt.Errorf("invalid form body: %w", err)
		}
		params.Form = r.Form

	default:
		if err := r.ParseForm(); err == nil {
			params.Form = r.Form
		}
	}

	return params, nil
}

func writeResult(w http.ResponseWriter, result Result) {
	if result.Stream != nil {
		defer result.Stream.Close()
		contentType := result.StreamContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		w.Header().Set("Content-Type", contentType)
		if result.StreamFileName != "" {
			w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.StreamFileName))
		}
		w.WriteHeader(http.StatusOK)
		_, _ = io.Copy(w, result.Stream)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(result.JSON)
}
