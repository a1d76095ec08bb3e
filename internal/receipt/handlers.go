package receipt

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/zombor/receipt-journal/internal/scanning"
	"github.com/zombor/receipt-journal/internal/yayoi"
)

// maxUploadSize bounds one upload request (all files together)
const maxUploadSize = int64(200 << 20)

const (
	messageNoFiles      = "ファイルが選択されていません。"
	messageUploadTooBig = "ファイルサイズが大きすぎます。"
	messageRunActive    = "現在処理中です。完了してから再度お試しください。"
)

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// writeJSONError writes {"error": message}
func writeJSONError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}

// contentTypeFor returns the declared part type, guessing from the extension when it is missing
func contentTypeFor(filename, declared string) string {
	if declared != "" {
		return strings.ToLower(strings.TrimSpace(declared))
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	default:
		return "application/octet-stream"
	}
}

// handleStartRun accepts a multipart upload and starts a run in the background
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeJSONError(w, messageUploadTooBig, http.StatusRequestEntityTooLarge)
			return
		}
		writeJSONError(w, messageNoFiles, http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		writeJSONError(w, messageNoFiles, http.StatusBadRequest)
		return
	}

	files := make([]scanning.File, 0, len(headers))
	for _, header := range headers {
		f, err := header.Open()
		if err != nil {
			slog.Error("Error opening uploaded file", "filename", header.Filename, "error", err)
			writeJSONError(w, fmt.Sprintf(messageFile, header.Filename), http.StatusBadRequest)
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			slog.Error("Error reading file data", "filename", header.Filename, "error", err)
			writeJSONError(w, fmt.Sprintf(messageFile, header.Filename), http.StatusBadRequest)
			return
		}
		files = append(files, scanning.File{
			Name:        header.Filename,
			ContentType: contentTypeFor(header.Filename, header.Header.Get("Content-Type")),
			Data:        data,
		})
	}

	runID, err := s.service.Start(files)
	if errors.Is(err, ErrRunInProgress) {
		writeJSONError(w, messageRunActive, http.StatusConflict)
		return
	}
	if err != nil {
		slog.Error("Error starting run", "error", err)
		writeJSONError(w, MessageInternal, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"runId": runID})
}

// handleGetSession returns the session without image payloads
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	snap := s.service.Snapshot()
	for i := range snap.Receipts {
		snap.Receipts[i] = snap.Receipts[i].withoutImage()
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleGetReceipt returns a single record
func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	rec, err := s.service.GetReceipt(r.PathValue("id"))
	if err != nil {
		writeJSONError(w, "Receipt not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec.withoutImage())
}

// handleGetReceiptImage returns the image a record was read from
func (s *Server) handleGetReceiptImage(w http.ResponseWriter, r *http.Request) {
	data, contentType, err := s.service.ReceiptImage(r.PathValue("id"))
	if errors.Is(err, ErrReceiptNotFound) {
		writeJSONError(w, "Receipt not found", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("Error reading receipt image", "id", r.PathValue("id"), "error", err)
		writeJSONError(w, MessageInternal, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

// handleUpdateEntry replaces an entry with the edited values
func (s *Server) handleUpdateEntry(w http.ResponseWriter, r *http.Request) {
	var edit JournalEntry
	if err := json.NewDecoder(r.Body).Decode(&edit); err != nil {
		writeJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	entry, err := s.service.UpdateEntry(r.PathValue("id"), edit)
	switch {
	case errors.Is(err, ErrEntryNotFound):
		writeJSONError(w, "Entry not found", http.StatusNotFound)
	case errors.Is(err, ErrInvalidEntry):
		writeJSONError(w, err.Error(), http.StatusBadRequest)
	case err != nil:
		slog.Error("Error updating entry", "error", err)
		writeJSONError(w, MessageInternal, http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusOK, entry)
	}
}

// handleExport downloads the journal as a Yayoi import CSV
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	data, err := s.service.Export(r.Context())
	if errors.Is(err, ErrNothingToExport) {
		writeJSONError(w, ErrNothingToExport.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		slog.Error("Error exporting journal", "error", err)
		writeJSONError(w, MessageInternal, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", s.service.ExportEncoding().ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="journal.csv"; filename*=UTF-8''%s`, url.PathEscape(yayoi.FileName)))
	w.Write(data)
}

// handleReset discards the session
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Reset(); err != nil {
		slog.Error("Error resetting session", "error", err)
		writeJSONError(w, MessageInternal, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
