package api

import (
	"errors"
	"net/http"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/lalithlochan/disparo/internal/contacts"
)

const (
	maxUploadBytes = 20 << 20
	maxImportRows  = 50000
)

// ImportContacts handles POST /v1/contacts/import (multipart, field "file",
// optional "phone_column"). The parsed contacts are returned for the client to
// attach to a campaign.
func (h *Handler) ImportContacts(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid upload", err.Error())
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing file", "multipart field \"file\" is required")
		return
	}
	defer func() { _ = file.Close() }()

	opts := contacts.Options{
		PhoneColumn: r.FormValue("phone_column"),
		MaxRows:     maxImportRows,
	}

	var res *contacts.Result
	switch ext := strings.ToLower(filepath.Ext(header.Filename)); ext {
	case ".xlsx":
		res, err = contacts.ParseXLSX(file, opts)
	case ".csv", ".txt":
		res, err = contacts.ParseCSV(file, opts)
	default:
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Unsupported file type",
			"upload an .xlsx or .csv file")
		return
	}
	if err != nil {
		if errors.Is(err, contacts.ErrNoRows) || errors.Is(err, contacts.ErrNoPhoneColumn) {
			h.writeError(w, http.StatusBadRequest, "validation_error", "Unusable contact file", err.Error())
			return
		}
		h.logger.Warn("contact import failed",
			zap.String("filename", header.Filename),
			zap.Error(err),
		)
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Could not read file", err.Error())
		return
	}

	h.logger.Info("contacts imported",
		zap.String("tenant_id", TenantFromContext(r.Context()).String()),
		zap.String("filename", header.Filename),
		zap.Int("count", len(res.Contacts)),
		zap.Int("skipped", res.Skipped),
	)

	writeJSON(w, http.StatusOK, res)
}
