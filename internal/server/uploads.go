package server

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"alertdesk/internal/engine"
	"alertdesk/internal/storage"
)

const multipartMemory = 8 << 20

// registerUploads mounts the routes that take file parts. They sit on the
// chi router directly because their bodies are multipart forms.
func (h handlers) registerUploads(r chi.Router, basePath string) {
	r.Post(path.Join(basePath, "tasks"), h.createTask)
	r.Post(path.Join(basePath, "tasks/{id}/report"), h.attachTaskReport)
	r.Post(path.Join(basePath, "work/{id}/report"), h.attachWorkReport)

	public := h.e.Files.PublicPath
	if public == "" {
		public = "/uploads"
	}
	r.Get(path.Join("/", public, "*"), h.serveUpload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	respondStatusError(w, handleError(err))
}

// form reads either a multipart form or a JSON object into string fields
// plus an optional file part.
type form struct {
	values map[string]string
	file   multipart.File
}

func (f form) get(key string) string {
	return strings.TrimSpace(f.values[key])
}

func (f form) close() {
	if f.file != nil {
		f.file.Close()
	}
}

func (h handlers) readForm(w http.ResponseWriter, r *http.Request, fileField string) (form, error) {
	out := form{values: map[string]string{}}
	limit := h.e.Files.MaxBytes
	if limit <= 0 {
		limit = 10 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartMemory)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "multipart/form-data":
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			return out, newAPIError(http.StatusBadRequest, "bad_request", "invalid multipart body", nil)
		}
		for key, vals := range r.MultipartForm.Value {
			if len(vals) > 0 {
				out.values[key] = vals[0]
			}
		}
		file, _, err := r.FormFile(fileField)
		switch {
		case err == nil:
			out.file = file
		case errors.Is(err, http.ErrMissingFile):
		default:
			return out, newAPIError(http.StatusBadRequest, "bad_request", "invalid "+fileField, nil)
		}
	case "application/json", "":
		var raw map[string]any
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
			return out, newAPIError(http.StatusBadRequest, "bad_request", "invalid JSON body", nil)
		}
		for key, v := range raw {
			switch val := v.(type) {
			case string:
				out.values[key] = val
			case float64:
				out.values[key] = strconv.FormatInt(int64(val), 10)
			}
		}
	default:
		return out, newAPIError(http.StatusUnsupportedMediaType, "unsupported_media_type", "use multipart/form-data or application/json", nil)
	}
	return out, nil
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, newAPIError(http.StatusBadRequest, "bad_request", "invalid id", nil)
	}
	return id, nil
}

// report builds the engine input from a report form. A present but blank
// description counts as absent.
func report(f form) engine.Report {
	var rep engine.Report
	desc, ok := f.values["report_description"]
	if !ok {
		desc, ok = f.values["description"]
	}
	if ok {
		rep.Description = &desc
	}
	if f.file != nil {
		rep.File = f.file
	}
	return rep
}

func (h handlers) createTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, err := authorize(ctx, h.e.Policy, "task.create")
	if err != nil {
		writeError(w, err)
		return
	}
	f, err := h.readForm(w, r, "letter_file")
	if err != nil {
		writeError(w, err)
		return
	}
	defer f.close()

	var deptID int64
	if raw := f.get("department_id"); raw != "" {
		deptID, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, newAPIError(http.StatusBadRequest, "invalid_input", "department_id must be a number", map[string]any{"field": "department_id"}))
			return
		}
	} else if code := f.get("dept_id"); code != "" {
		d, err := h.e.GetDepartmentByCode(ctx, code)
		if err != nil {
			writeError(w, err)
			return
		}
		deptID = d.ID
	}
	if err := p.RequireDepartment(deptID); err != nil {
		writeError(w, err)
		return
	}
	opts := engine.TaskCreateOptions{
		LetterID:     f.get("letter_id"),
		Subject:      f.get("subject"),
		DepartmentID: deptID,
		AssignedBy:   f.get("assigned_by"),
		AddressedTo:  f.get("addressed_to"),
		LetterDate:   f.get("letter_date"),
		Deadline:     f.get("deadline"),
		ActorID:      p.UniqueID,
	}
	if f.file != nil {
		opts.Letter = f.file
	}
	t, err := h.e.CreateTask(ctx, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	view, err := h.e.GetTask(ctx, t.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, taskResponse(h.e.Files, view))
}

func (h handlers) attachTaskReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	_, p, err := h.taskInScope(ctx, "task.report", id)
	if err != nil {
		writeError(w, err)
		return
	}
	f, err := h.readForm(w, r, "report_file")
	if err != nil {
		writeError(w, err)
		return
	}
	defer f.close()
	if _, err := h.e.AttachTaskReport(ctx, id, report(f), p.UniqueID); err != nil {
		writeError(w, err)
		return
	}
	view, err := h.e.GetTask(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, taskResponse(h.e.Files, view))
}

func (h handlers) attachWorkReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	_, p, err := h.workInScope(ctx, "work.report", id)
	if err != nil {
		writeError(w, err)
		return
	}
	f, err := h.readForm(w, r, "report_file")
	if err != nil {
		writeError(w, err)
		return
	}
	defer f.close()
	item, err := h.e.AttachWorkReport(ctx, id, report(f), p.UniqueID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, workResponse(h.e.Files, item))
}

// serveUpload streams a stored file by reference.
func (h handlers) serveUpload(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "*")
	f, err := h.e.Files.Open(ref)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidName) {
			writeError(w, newAPIError(http.StatusBadRequest, "bad_request", "invalid file reference", nil))
			return
		}
		writeError(w, newAPIError(http.StatusNotFound, "not_found", "file not found", nil))
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		writeError(w, newAPIError(http.StatusNotFound, "not_found", "file not found", nil))
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	http.ServeContent(w, r, path.Base(ref), info.ModTime(), f)
}
