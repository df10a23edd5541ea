package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kwv/cloudmesh/cloud"
)

// maxUploadBytes bounds POST /process bodies
const maxUploadBytes = 256 << 20

// processFunc runs the service pipeline on an uploaded cloud
type processFunc func(ctx context.Context, in *cloud.Cloud) (*cloud.Cloud, []cloud.StageResult, error)

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(logger *zap.SugaredLogger, stateTracker *cloud.StateTracker, process processFunc) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		status := struct {
			Status    string    `json:"status"`
			Timestamp time.Time `json:"timestamp"`
			HasClouds bool      `json:"hasClouds"`
		}{
			Status:    "ok",
			Timestamp: time.Now(),
			HasClouds: stateTracker.HasClouds(),
		}
		if err := json.NewEncoder(w).Encode(status); err != nil {
			logger.Errorf("[HTTP] encoding health status: %v", err)
		}
	})

	mux.HandleFunc("GET /clouds", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache")
		if err := json.NewEncoder(w).Encode(stateTracker.Summaries()); err != nil {
			logger.Errorf("[HTTP] encoding summaries: %v", err)
		}
	})

	// /cloud/{id}.{png,svg,geojson,pcd,ply,las}
	mux.HandleFunc("GET /cloud/{file}", func(w http.ResponseWriter, r *http.Request) {
		file := r.PathValue("file")
		dot := strings.LastIndexByte(file, '.')
		if dot <= 0 {
			http.NotFound(w, r)
			return
		}
		id, ext := file[:dot], strings.ToLower(file[dot+1:])

		if !stateTracker.HasClouds() {
			http.Error(w, "No clouds available", http.StatusServiceUnavailable)
			return
		}
		c, ok := stateTracker.Processed(id)
		if !ok {
			http.Error(w, fmt.Sprintf("No cloud for sensor %q", id), http.StatusNotFound)
			return
		}

		mode, err := cloud.ParseColorMode(r.URL.Query().Get("color"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		clouds := map[string]*cloud.Cloud{id: c}
		sensorColor := cloud.ParseHexColor(stateTracker.Color(id))

		if c.Empty() && (ext == "png" || ext == "svg") {
			http.Error(w, "No drawable cloud content", http.StatusServiceUnavailable)
			return
		}

		var buf bytes.Buffer
		var contentType string
		switch ext {
		case "png":
			renderer := cloud.NewTopDownRenderer(clouds)
			renderer.Mode = mode
			renderer.Colors[id] = sensorColor
			err = renderer.WritePNG(&buf)
			contentType = "image/png"
		case "svg":
			renderer := cloud.NewVectorRenderer(clouds)
			renderer.Mode = mode
			renderer.Colors[id] = sensorColor
			renderer.ShowNormals = r.URL.Query().Get("normals") == "true"
			if gs := r.URL.Query().Get("grid"); gs != "" {
				if renderer.GridSpacing, err = strconv.ParseFloat(gs, 64); err != nil {
					http.Error(w, "invalid grid spacing", http.StatusBadRequest)
					return
				}
			}
			err = renderer.RenderToSVG(&buf)
			contentType = "image/svg+xml"
		case "geojson":
			var data []byte
			data, err = cloud.FootprintCollection(clouds, 0).MarshalJSON()
			buf.Write(data)
			contentType = "application/geo+json"
		default:
			format, ferr := cloud.ParseFormat(ext)
			if ferr != nil {
				http.NotFound(w, r)
				return
			}
			err = cloud.Encode(&buf, c, format)
			contentType = format.ContentType()
		}
		if err != nil {
			logger.Errorf("[HTTP] rendering %s: %v", file, err)
			http.Error(w, "Error rendering cloud", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Cache-Control", "no-cache")
		if _, err := w.Write(buf.Bytes()); err != nil {
			logger.Warnf("[HTTP] writing %s: %v", file, err)
		}
	})

	mux.HandleFunc("POST /process", func(w http.ResponseWriter, r *http.Request) {
		format := cloud.FormatPCD
		if f := r.URL.Query().Get("format"); f != "" {
			var err error
			if format, err = cloud.ParseFormat(f); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUploadBytes))
		if err != nil {
			http.Error(w, "Error reading request body", http.StatusRequestEntityTooLarge)
			return
		}
		in, err := cloud.Decode(body)
		if err != nil {
			http.Error(w, fmt.Sprintf("Invalid cloud: %v", err), http.StatusBadRequest)
			return
		}

		out, results, err := process(r.Context(), in)
		if err != nil {
			status := http.StatusInternalServerError
			if isInputError(err) {
				status = http.StatusUnprocessableEntity
			}
			http.Error(w, fmt.Sprintf("Processing failed: %v", err), status)
			return
		}

		var buf bytes.Buffer
		if err := cloud.Encode(&buf, out, format); err != nil {
			logger.Errorf("[HTTP] encoding processed cloud: %v", err)
			http.Error(w, "Error encoding cloud", http.StatusInternalServerError)
			return
		}

		stages, _ := json.Marshal(results)
		w.Header().Set("Content-Type", format.ContentType())
		w.Header().Set("X-Cloudmesh-Input-Points", strconv.Itoa(in.Len()))
		w.Header().Set("X-Cloudmesh-Output-Points", strconv.Itoa(out.Len()))
		w.Header().Set("X-Cloudmesh-Stages", string(stages))
		if _, err := w.Write(buf.Bytes()); err != nil {
			logger.Warnf("[HTTP] writing processed cloud: %v", err)
		}
	})

	// Index page embedding each sensor's SVG
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		if err := indexTemplate.Execute(w, stateTracker.SensorIDs()); err != nil {
			logger.Errorf("[HTTP] rendering index: %v", err)
		}
	})

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Debugf("[HTTP] %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		mux.ServeHTTP(w, r)
	})
}

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>cloudmesh</title>
<style>
body{margin:0;background:#1a1a1a;color:#eee;font-family:sans-serif}
figure{display:inline-block;margin:1em}
img{max-width:45vw;background:#fff}
</style>
</head>
<body>
{{range .}}<figure><img src="/cloud/{{.}}.svg" alt="{{.}}"><figcaption>{{.}}</figcaption></figure>
{{else}}<p>No clouds available</p>
{{end}}</body>
</html>`))

// isInputError reports whether err was caused by the uploaded cloud rather
// than the server
func isInputError(err error) bool {
	return errors.Is(err, cloud.ErrInvalidParameter) ||
		errors.Is(err, cloud.ErrInsufficientPoints) ||
		errors.Is(err, cloud.ErrInsufficientNeighbors) ||
		errors.Is(err, cloud.ErrEmptyIndex)
}
