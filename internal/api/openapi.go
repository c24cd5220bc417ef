package api

import (
	"net/http"

	"github.com/mattjoyce/qsmgw/internal/options"
)

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(options.Definitions))
}

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the session API. The
// run_start form schema is generated from the option definitions.
func buildOpenAPIDoc(defs []options.Definition) map[string]any {
	sessionParam := []any{map[string]any{
		"name":     "sessionID",
		"in":       "path",
		"required": true,
		"schema":   map[string]any{"type": "string"},
	}}
	notFound := map[string]any{"description": "Unknown session"}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "QSM Session Gateway",
			"version": "1.0",
		},
		"paths": map[string]any{
			"/api/run_start": map[string]any{
				"post": map[string]any{
					"operationId": "runStart",
					"summary":     "Upload two DICOM trees and start a session",
					"requestBody": map[string]any{
						"required": true,
						"content": map[string]any{
							"multipart/form-data": map[string]any{"schema": runStartSchema(defs)},
						},
					},
					"responses": map[string]any{
						"200": map[string]any{"description": "Session created; ok=false when no data root was found"},
						"400": map[string]any{"description": "File and path counts differ"},
						"413": map[string]any{"description": "Upload too large"},
					},
				},
			},
			"/api/sessions": map[string]any{
				"get": map[string]any{
					"operationId": "listSessions",
					"responses":   map[string]any{"200": map[string]any{"description": "All known sessions"}},
				},
			},
			"/api/status/{sessionID}": map[string]any{
				"get": map[string]any{
					"operationId": "status",
					"parameters":  sessionParam,
					"responses":   map[string]any{"200": map[string]any{"description": "Session status"}, "404": notFound},
				},
			},
			"/api/log/{sessionID}": map[string]any{
				"get": map[string]any{
					"operationId": "log",
					"summary":     "Server-sent run log; ends with an 'end' event carrying the terminal status",
					"parameters":  sessionParam,
					"responses": map[string]any{
						"200": map[string]any{"description": "text/event-stream"},
						"404": notFound,
					},
				},
			},
			"/api/stop/{sessionID}": map[string]any{
				"post": map[string]any{
					"operationId": "stop",
					"parameters":  sessionParam,
					"responses":   map[string]any{"200": map[string]any{"description": "Resulting status"}, "404": notFound},
				},
			},
			"/api/download/{sessionID}": map[string]any{
				"get": map[string]any{
					"operationId": "download",
					"parameters":  sessionParam,
					"responses": map[string]any{
						"200": map[string]any{"description": "application/zip"},
						"404": map[string]any{"description": "Unknown session or no archive yet"},
					},
				},
			},
		},
	}
}

func runStartSchema(defs []options.Definition) map[string]any {
	binaryArray := map[string]any{"type": "array", "items": map[string]any{"type": "string", "format": "binary"}}
	stringArray := map[string]any{"type": "array", "items": map[string]any{"type": "string"}}

	props := map[string]any{
		fieldMagFiles: binaryArray,
		fieldMagPaths: stringArray,
		fieldPhFiles:  binaryArray,
		fieldPhPaths:  stringArray,
	}
	for _, d := range defs {
		prop := map[string]any{"default": d.Default}
		switch d.Kind {
		case options.KindFloat:
			prop["type"] = "number"
		case options.KindInt:
			prop["type"] = "integer"
		case options.KindEnum:
			prop["type"] = "string"
			prop["enum"] = d.Choices
		}
		props[d.Name] = prop
	}

	return map[string]any{
		"type":       "object",
		"required":   []string{fieldMagFiles, fieldMagPaths, fieldPhFiles, fieldPhPaths},
		"properties": props,
	}
}
