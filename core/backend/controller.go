// Copyright 2024 Cabwise Technologies GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// dev@cabwise.tech
//

package backend

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/cabwise-tech/fleetcore/core"
	"github.com/cabwise-tech/fleetcore/core/access"
	"github.com/cabwise-tech/fleetcore/core/descriptor"
	"github.com/cabwise-tech/fleetcore/core/logger"
)

// handlerMap is the compiled handler table of one entity, keyed by operation
type handlerMap map[core.Operation]http.HandlerFunc

// validVerificationStates marks a document as counting towards the
// required-document invariant
var validVerificationStates = []string{"pending", "approved"}

func isValidVerificationState(status string) bool {
	for _, s := range validVerificationStates {
		if s == status {
			return true
		}
	}
	return false
}

// expiryWindowDays is the compliance look-ahead for expiring documents
const expiryWindowDays = 30

type pagination struct {
	CurrentPage  int  `json:"current_page"`
	TotalPages   int  `json:"total_pages"`
	TotalRecords int  `json:"total_records"`
	HasNext      bool `json:"has_next"`
	HasPrevious  bool `json:"has_previous"`
}

func paginate(page, limit, total int) pagination {
	totalPages := int(math.Ceil(float64(total) / float64(limit)))
	return pagination{
		CurrentPage:  page,
		TotalPages:   totalPages,
		TotalRecords: total,
		HasNext:      page < totalPages,
		HasPrevious:  page > 1 && total > 0,
	}
}

func writeJSON(w http.ResponseWriter, status int, object interface{}) {
	jsonData, _ := json.MarshalWithOption(object, json.DisableHTMLEscape())
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(jsonData)
}

func writeError(w http.ResponseWriter, status int, message string, details ...string) {
	response := map[string]interface{}{"error": message}
	if len(details) > 0 {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

// boundary is the catch-all error boundary: no handler ever lets a panic
// escape unanswered, failures surface as 400 with the error's message.
func boundary(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if recovered := recover(); recovered != nil {
				logger.FromContext(r.Context()).Errorf("recovered from panic: %v", recovered)
				writeError(w, http.StatusBadRequest, fmt.Sprintf("%v", recovered))
			}
		}()
		h.ServeHTTP(w, r)
	}
}

// buildController produces the handler table for one entity, each handler
// closing over the entity's compiled model.
func (b *Backend) buildController(d descriptor.Descriptor, m *Model) handlerMap {
	handlers := handlerMap{
		core.OperationList:   b.list(d, m),
		core.OperationRead:   b.read(d, m),
		core.OperationCreate: b.create(d, m),
		core.OperationUpdate: b.update(d, m),
		core.OperationDelete: b.delete(d, m),
		core.OperationStats:  b.stats(d, m),
	}
	switch d.Kind {
	case descriptor.KindImage:
		handlers[core.OperationUpload] = b.upload(d, m)
		handlers[core.OperationGetByEntity] = b.getByEntity(d, m)
	case descriptor.KindDocument:
		handlers[core.OperationUpload] = b.upload(d, m)
		handlers[core.OperationGetByEntity] = b.getByEntity(d, m)
		handlers[core.OperationVerify] = b.verify(d, m)
		handlers[core.OperationCheckCompliance] = b.checkCompliance(d, m)
	case descriptor.KindUser:
		handlers[core.OperationLogin] = b.login(d, m)
		handlers[core.OperationRegister] = b.register(d, m)
	}
	return handlers
}

// list implements filtered, paginated collection queries with the
// {data, pagination} response envelope.
func (b *Backend) list(d descriptor.Descriptor, m *Model) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := listQuery{page: 1, limit: 10, equals: map[string]string{}, in: map[string][]string{}}

		urlQuery := r.URL.Query()
		for key, array := range urlQuery {
			if len(array) > 1 {
				writeError(w, http.StatusBadRequest, "illegal parameter array '"+key+"'")
				return
			}
			value := array[0]
			var err error
			switch key {
			case "page":
				q.page, err = strconv.Atoi(value)
				if err == nil && q.page < 1 {
					err = fmt.Errorf("out of range")
				}
			case "limit":
				q.limit, err = strconv.Atoi(value)
				if err == nil && q.limit < 1 {
					err = fmt.Errorf("out of range")
				}
				if q.limit > 100 {
					q.limit = 100 // capped, not an error
				}
			case "search":
				q.search = value
			case "sort_by":
				q.sortBy = value
			case "sort_order":
				if value != "asc" && value != "desc" {
					err = fmt.Errorf("must be asc or desc")
				}
				q.sortAsc = value == "asc"
			case "owner_type", "entity_type":
				q.equals["owner_type"] = value
			case "owner_id", "entity_id":
				q.equals["owner_id"] = value
			case "status", "document_type", "verification_status":
				q.equals[key] = value
			case "expiring_soon":
				var expiring bool
				expiring, err = strconv.ParseBool(value)
				if expiring {
					q.expiringWithinDays = expiryWindowDays
				}
			default:
				err = fmt.Errorf("unknown query parameter")
			}
			if err != nil {
				writeError(w, http.StatusBadRequest, "parameter '"+key+"': "+err.Error())
				return
			}
		}

		records, total, err := m.query(r.Context(), q)
		if err != nil {
			logger.FromContext(r.Context()).WithError(err).Errorf("cannot list %s", m.name)
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"data":       records,
			"pagination": paginate(q.page, q.limit, total),
		})
	}
}

func recordID(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(mux.Vars(r)["id"])
}

func (b *Backend) read(d descriptor.Descriptor, m *Model) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := recordID(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid identifier")
			return
		}
		record, found, err := m.findByID(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if !found {
			writeError(w, http.StatusNotFound, capitalize(m.name)+" not found")
			return
		}
		if d.Kind == descriptor.KindDocument {
			b.resolveVerifier(r, &record)
		}
		writeJSON(w, http.StatusOK, record)
	}
}

// resolveVerifier populates the verified_by reference with a display name
func (b *Backend) resolveVerifier(r *http.Request, record *Record) {
	verifiedBy := record.String("verified_by")
	if verifiedBy == "" || b.userModel == nil {
		return
	}
	id, err := uuid.Parse(verifiedBy)
	if err != nil {
		return
	}
	user, found, err := b.userModel.findByID(r.Context(), id)
	if err != nil || !found {
		return
	}
	name := user.String("name")
	if name == "" {
		name = user.String("first_name")
		if last := user.String("last_name"); last != "" {
			if name != "" {
				name += " "
			}
			name += last
		}
	}
	if name == "" {
		name = user.String("email")
	}
	record.Properties["verified_by_name"] = name
}

// create inserts a plain JSON body directly; requests that went through the
// file intake delegate to upload.
func (b *Backend) create(d descriptor.Descriptor, m *Model) http.HandlerFunc {
	uploadHandler := b.upload(d, m)
	return func(w http.ResponseWriter, r *http.Request) {
		if fileFromContext(r.Context()) != nil ||
			(d.Kind == descriptor.KindImage || d.Kind == descriptor.KindDocument) {
			uploadHandler.ServeHTTP(w, r)
			return
		}
		body, err := bodyFromRequest(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		record, err := m.insert(r.Context(), body)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, record)
	}
}

// upload validates file presence, computes the derived fields and persists
// one record. Image entities get their two thumbnail variants before the
// record write.
func (b *Backend) upload(d descriptor.Descriptor, m *Model) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info := fileFromContext(r.Context())
		if info == nil {
			writeError(w, http.StatusBadRequest, "No file uploaded")
			return
		}
		body, err := bodyFromRequest(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		if auth := access.AuthorizationFromContext(r.Context()); auth != nil {
			body["uploaded_by"] = auth.UserID.String()
		}
		if _, ok := body["status"]; !ok {
			body["status"] = "active"
		}

		switch d.Kind {
		case descriptor.KindImage:
			urls, width, height, err := b.probeAndThumbnail(r.Context(), info)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			body["thumbnail_urls"] = urls
			body["dimensions"] = map[string]interface{}{"width": width, "height": height}
		case descriptor.KindDocument:
			if _, ok := body["verification_status"]; !ok {
				body["verification_status"] = "pending"
			}
			if _, ok := body["document_metadata"]; !ok {
				body["document_metadata"] = map[string]interface{}{}
			}
		}

		record, err := m.insert(r.Context(), body)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, record)
	}
}

// update applies a validated partial update, re-running the file pipeline if
// a new file accompanies the request.
func (b *Backend) update(d descriptor.Descriptor, m *Model) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := recordID(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid identifier")
			return
		}
		body, err := bodyFromRequest(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		if info := fileFromContext(r.Context()); info != nil && d.Kind == descriptor.KindImage {
			urls, width, height, err := b.probeAndThumbnail(r.Context(), info)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			body["thumbnail_urls"] = urls
			body["dimensions"] = map[string]interface{}{"width": width, "height": height}
		}

		// server-assigned fields are not client-writable
		delete(body, "id")
		delete(body, "created_at")
		delete(body, "updated_at")

		record, found, err := m.update(r.Context(), id, body)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if !found {
			writeError(w, http.StatusNotFound, capitalize(m.name)+" not found")
			return
		}
		writeJSON(w, http.StatusOK, record)
	}
}

// delete hard-deletes one record, guarded by the "at least one remains"
// invariants for images and required documents.
func (b *Backend) delete(d descriptor.Descriptor, m *Model) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := recordID(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid identifier")
			return
		}
		record, found, err := m.findByID(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if !found {
			writeError(w, http.StatusNotFound, capitalize(m.name)+" not found")
			return
		}

		switch d.Kind {
		case descriptor.KindImage:
			if record.String("status") == "active" {
				active, err := m.count(r.Context(), map[string]string{
					"owner_type": record.String("owner_type"),
					"owner_id":   record.String("owner_id"),
					"status":     "active",
				}, nil)
				if err != nil {
					writeError(w, http.StatusBadRequest, err.Error())
					return
				}
				if active <= 1 {
					writeError(w, http.StatusBadRequest,
						"Cannot delete the only active image. Upload a replacement first")
					return
				}
			}
		case descriptor.KindDocument:
			// a rejected document does not count towards the requirement,
			// deleting it never shrinks the valid set
			documentType := record.String("document_type")
			owner, ok := b.descriptors[record.String("owner_type")]
			if ok && isValidVerificationState(record.String("verification_status")) &&
				owner.RequiresDocument(documentType) {
				valid, err := m.count(r.Context(), map[string]string{
					"owner_type":    record.String("owner_type"),
					"owner_id":      record.String("owner_id"),
					"document_type": documentType,
				}, map[string][]string{"verification_status": validVerificationStates})
				if err != nil {
					writeError(w, http.StatusBadRequest, err.Error())
					return
				}
				if valid <= 1 {
					writeError(w, http.StatusBadRequest,
						fmt.Sprintf("Cannot delete the only valid %s document. This document type is required", documentType))
					return
				}
			}
		}

		record, found, err = m.deleteRecord(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if !found {
			writeError(w, http.StatusNotFound, capitalize(m.name)+" not found")
			return
		}
		b.removeStoredFiles(r.Context(), record)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"message": capitalize(m.name) + " deleted",
			"data":    record,
		})
	}
}

// verify sets the verification outcome of a document and stamps the
// verifier identity and timestamp.
func (b *Backend) verify(d descriptor.Descriptor, m *Model) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := recordID(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid identifier")
			return
		}
		body, err := bodyFromRequest(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		status, _ := body["verification_status"].(string)
		if status != "approved" && status != "rejected" {
			writeError(w, http.StatusBadRequest, "verification_status must be approved or rejected")
			return
		}

		partial := map[string]interface{}{
			"verification_status": status,
			"verified_at":         time.Now().UTC().Format(time.RFC3339),
		}
		if notes, ok := body["verification_notes"].(string); ok && notes != "" {
			partial["verification_notes"] = notes
		}
		if auth := access.AuthorizationFromContext(r.Context()); auth != nil {
			partial["verified_by"] = auth.UserID.String()
		}

		record, found, err := m.update(r.Context(), id, partial)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if !found {
			writeError(w, http.StatusNotFound, capitalize(m.name)+" not found")
			return
		}
		writeJSON(w, http.StatusOK, record)
	}
}

// getByEntity fetches all records for a given owner; images are filtered to
// active status only.
func (b *Backend) getByEntity(d descriptor.Descriptor, m *Model) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		equals := map[string]string{
			"owner_type": vars["entity_type"],
			"owner_id":   vars["entity_id"],
		}
		if d.Kind == descriptor.KindImage {
			equals["status"] = "active"
		}
		records, err := m.findAll(r.Context(), equals, nil)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"data": records})
	}
}

// checkCompliance computes the missing and expiring required documents of an
// owner entity.
func (b *Backend) checkCompliance(d descriptor.Descriptor, m *Model) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		entityType := vars["entity_type"]
		entityID := vars["entity_id"]

		owner, ok := b.descriptors[entityType]
		if !ok {
			writeError(w, http.StatusBadRequest, "Unknown entity type "+entityType)
			return
		}

		records, err := m.findAll(r.Context(), map[string]string{
			"owner_type": entityType,
			"owner_id":   entityID,
		}, map[string][]string{"verification_status": validVerificationStates})
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		onFile := map[string]bool{}
		for _, record := range records {
			onFile[record.String("document_type")] = true
		}

		missing := []string{}
		for _, required := range owner.RequiredDocuments {
			if !onFile[required] {
				missing = append(missing, required)
			}
		}

		now := time.Now()
		expiring := []map[string]interface{}{}
		for _, record := range records {
			metadata, _ := record.Properties["document_metadata"].(map[string]interface{})
			expiryDate, _ := metadata["expiry_date"].(string)
			days, ok := daysRemaining(expiryDate, now)
			if !ok || days < 0 || days > expiryWindowDays {
				continue
			}
			expiring = append(expiring, map[string]interface{}{
				"id":             record.ID,
				"document_type":  record.String("document_type"),
				"expiry_date":    expiryDate,
				"days_remaining": days,
			})
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"entity_type":        entityType,
			"entity_id":          entityID,
			"compliance_status":  len(missing) == 0,
			"missing_documents":  missing,
			"expiring_documents": expiring,
			"checked_at":         now.UTC().Format(time.RFC3339),
			"required_documents": owner.RequiredDocuments,
			"documents_on_file":  len(records),
		})
	}
}

// stats reports the record count plus the status breakdown
func (b *Backend) stats(d descriptor.Descriptor, m *Model) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		total, byStatus, err := m.statusCounts(r.Context())
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		response := map[string]interface{}{"entity": m.name, "total": total}
		if len(byStatus) > 0 {
			response["by_status"] = byStatus
		}
		writeJSON(w, http.StatusOK, response)
	}
}

// daysRemaining parses an expiry date (date-only or RFC3339) and returns the
// whole days left until it, measured from now.
func daysRemaining(expiryDate string, now time.Time) (int, bool) {
	if expiryDate == "" {
		return 0, false
	}
	expiry, err := time.Parse("2006-01-02", expiryDate)
	if err != nil {
		expiry, err = time.Parse(time.RFC3339, expiryDate)
		if err != nil {
			return 0, false
		}
	}
	return int(expiry.Sub(now).Hours() / 24), true
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
