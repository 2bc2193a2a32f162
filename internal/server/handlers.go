package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"driplet/internal/admission"
	"driplet/internal/blob"
	"driplet/internal/config"
	"driplet/internal/limit"
	"driplet/internal/meta"
	"driplet/internal/session"
)

// immutableHorizon is the remaining-TTL threshold above which downloads get
// the long immutable cache directive.
const immutableHorizon = 365 * 24 * time.Hour

// fileURL renders the public download path for a name.
func fileURL(name string) string {
	return "f/" + name
}

// recordView is the owner-facing projection of a record. The owner id and
// content hash never appear on the wire.
type recordView struct {
	Name      string `json:"name"`
	Filename  string `json:"filename"`
	Size      int64  `json:"size"`
	CreatedAt int64  `json:"created_at"`
	ExpiresAt int64  `json:"expires_at"`
	TTL       string `json:"ttl"`
}

func viewOf(rec meta.Record) recordView {
	return recordView{
		Name:      rec.Name,
		Filename:  rec.Filename,
		Size:      rec.Size,
		CreatedAt: rec.CreatedAt,
		ExpiresAt: rec.ExpiresAt,
		TTL:       rec.TTLCode,
	}
}

// --- upload ---

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}

	mr, err := r.MultipartReader()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Message: "expected multipart body", Code: "malformed-chunk"})
		return
	}

	var (
		ttlCode   string
		filename  string
		res       *admission.Reservation
		stg       *blob.Staging
		committed bool
	)
	defer func() {
		if res != nil {
			res.Release()
		}
		if stg != nil && !committed {
			stg.Abort()
		}
	}()

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		switch part.FormName() {
		case "ttl":
			v, _ := io.ReadAll(io.LimitReader(part, 32))
			ttlCode = strings.TrimSpace(string(v))

		case "file":
			if stg != nil {
				// One file per request; further file parts are ignored.
				_ = part.Close()
				continue
			}
			filename = sanitizeFilename(part.FileName())

			res, err = s.deps.Gate.Check(admission.Request{
				Owner:    owner,
				Filename: filename,
				Family:   limit.FamilyUpload,
			})
			if err != nil {
				s.writeError(w, r, err)
				return
			}

			stg, err = s.deps.Blobs.Reserve()
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			if _, err := io.Copy(stg, io.LimitReader(part, s.cfg.MaxFileSize+1)); err != nil {
				s.writeError(w, r, err)
				return
			}
			if stg.Size() > s.cfg.MaxFileSize {
				s.writeError(w, r, admission.ErrTooLarge)
				return
			}
		}
		_ = part.Close()
	}

	if stg == nil || stg.Size() == 0 {
		writeJSON(w, http.StatusBadRequest, apiError{Message: "no file in request", Code: "malformed-chunk"})
		return
	}

	// Size is known only now; re-check the quota with the real number.
	if s.deps.Quota.WouldExceed(stg.Size()) {
		s.writeError(w, r, admission.ErrQuotaBlocked)
		return
	}

	handle, err := s.deps.Blobs.Commit(stg, "")
	committed = true
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	// Duplicate short-circuit: same owner, same content.
	if existing, found := s.deps.Meta.FindByHashOwner(handle.Hash, owner); found {
		s.deps.Quota.Recompute()
		s.writeError(w, r, &admission.DuplicateError{Name: existing.Name})
		return
	}

	name, release := s.deps.Meta.ReserveName()
	defer release()

	ttlCode = meta.NormalizeTTLCode(ttlCode)
	nowUnix := s.now().Unix()
	rec := meta.Record{
		Name:      name,
		Owner:     owner,
		Filename:  filename,
		Size:      handle.Size,
		Hash:      handle.Hash,
		CreatedAt: nowUnix,
		ExpiresAt: nowUnix + meta.TTLSeconds(ttlCode),
		TTLCode:   ttlCode,
	}
	if err := s.deps.Meta.Create(rec); err != nil {
		// On a mirror failure the record stands and reconciles on the next
		// mutation; the request still surfaces the error.
		s.writeError(w, r, err)
		return
	}
	s.deps.Quota.Recompute()

	remaining := s.cfg.MaxActiveFiles - s.deps.Meta.ActiveCount(owner)
	writeJSON(w, http.StatusOK, map[string]any{
		"files":     []string{fileURL(rec.Name)},
		"remaining": remaining,
	})
}

// sanitizeFilename keeps only the base name and strips control characters.
// The original filename is display-only.
func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		if r < 0x20 || r == 0x7f || r == '"' {
			continue
		}
		b.WriteRune(r)
	}
	out := strings.TrimSpace(b.String())
	if out == "" || out == "." || out == ".." {
		out = "file"
	}
	const maxLen = 255
	if len(out) > maxLen {
		out = out[len(out)-maxLen:]
	}
	return out
}

// --- checkhash ---

func (s *Server) handleCheckHash(w http.ResponseWriter, r *http.Request) {
	hash := strings.ToLower(r.URL.Query().Get("hash"))
	writeJSON(w, http.StatusOK, map[string]bool{
		"exists": hash != "" && s.deps.Meta.HashExists(hash),
	})
}

// --- chunk session routes ---

type chunkInitRequest struct {
	Filename  string `json:"filename"`
	Size      int64  `json:"size"`
	TTL       string `json:"ttl"`
	ChunkSize int64  `json:"chunk_size"`
	Hash      string `json:"hash,omitempty"`
}

func (s *Server) handleChunkInit(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}

	body, err := readBody(r.Body, r.Header.Get("Content-Encoding"), 1<<20)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req chunkInitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Message: "invalid JSON body", Code: "malformed-chunk"})
		return
	}

	res, err := s.deps.Gate.Check(admission.Request{
		Owner:        owner,
		Filename:     req.Filename,
		Size:         req.Size,
		DeclaredHash: req.Hash,
		Family:       limit.FamilyUpload,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	// The open session itself holds the cap slot from here on.
	defer res.Release()

	init, err := s.deps.Sessions.Init(session.InitRequest{
		Owner:        owner,
		Filename:     sanitizeFilename(req.Filename),
		Size:         req.Size,
		TTLCode:      req.TTL,
		ChunkSize:    req.ChunkSize,
		DeclaredHash: req.Hash,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":   init.SessionID,
		"chunk_size":   init.ChunkSize,
		"total_chunks": init.TotalChunks,
		"storage_name": init.ReservedName,
	})
}

// sessionForOwner checks the session exists and belongs to the caller.
// Foreign sessions render as unknown.
func (s *Server) sessionForOwner(r *http.Request) (string, error) {
	sid := r.PathValue("sid")
	sessOwner, err := s.deps.Sessions.Owner(sid)
	if err != nil {
		return "", err
	}
	owner, err := s.deps.Resolver.OwnerFromRequest(r)
	if err != nil {
		return "", err
	}
	if sessOwner != owner {
		return "", session.ErrUnknownSession
	}
	return sid, nil
}

func (s *Server) handlePutChunk(w http.ResponseWriter, r *http.Request) {
	sid, err := s.sessionForOwner(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		s.writeError(w, r, session.ErrBadIndex)
		return
	}

	body, err := readBody(r.Body, r.Header.Get("Content-Encoding"), config.MaxChunkSize)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	// Body length wins; a disagreeing Content-Length is rejected before
	// any write. Only comparable for identity encoding.
	if r.Header.Get("Content-Encoding") == "" || r.Header.Get("Content-Encoding") == "identity" {
		if r.ContentLength >= 0 && r.ContentLength != int64(len(body)) {
			s.writeError(w, r, fmt.Errorf("%w: content-length %d disagrees with body length %d",
				session.ErrBadLength, r.ContentLength, len(body)))
			return
		}
	}

	allReceived, err := s.deps.Sessions.PutChunk(sid, index, body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if allReceived {
		received, total, _, _ := s.deps.Sessions.Status(sid)
		writeJSON(w, http.StatusOK, map[string]any{
			"assembled_chunks": received,
			"total_chunks":     total,
			"completed":        true,
		})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleChunkStatus(w http.ResponseWriter, r *http.Request) {
	sid, err := s.sessionForOwner(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	received, total, complete, err := s.deps.Sessions.Status(sid)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"assembled_chunks": received,
		"total_chunks":     total,
		"completed":        complete,
	})
}

func (s *Server) handleChunkComplete(w http.ResponseWriter, r *http.Request) {
	sid, err := s.sessionForOwner(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req struct {
		Hash string `json:"hash,omitempty"`
	}
	body, err := readBody(r.Body, r.Header.Get("Content-Encoding"), 1<<20)
	if err == nil && len(body) > 0 {
		_ = json.Unmarshal(body, &req)
	}

	rec, err := s.deps.Sessions.Complete(sid, req.Hash)
	if errors.Is(err, session.ErrDuplicate) {
		s.deps.Quota.Recompute()
		s.writeError(w, r, &admission.DuplicateError{Name: rec.Name})
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.deps.Quota.Recompute()

	writeJSON(w, http.StatusOK, map[string]any{
		"files": []string{fileURL(rec.Name)},
	})
}

func (s *Server) handleChunkCancel(w http.ResponseWriter, r *http.Request) {
	sid, err := s.sessionForOwner(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Sessions.Cancel(sid); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- download ---

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	rec, ok := s.deps.Meta.Get(name)
	if !ok {
		s.writeError(w, r, meta.ErrNotFound)
		return
	}

	now := s.now()
	if rec.Expired(now) {
		s.writeError(w, r, errGone)
		return
	}

	f, _, err := s.deps.Blobs.Open(rec.Hash)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer f.Close()

	remaining := time.Duration(rec.ExpiresAt-now.Unix()) * time.Second
	if remaining >= immutableHorizon {
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	} else {
		w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int64(remaining.Seconds())))
		w.Header().Set("Expires", time.Unix(rec.ExpiresAt, 0).UTC().Format(http.TimeFormat))
	}

	ctype := mime.TypeByExtension(strings.ToLower(filepath.Ext(rec.Filename)))
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ctype)
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("inline; filename=%q", rec.Filename))

	// ServeContent handles range requests; the record creation time stands
	// in as the modification time.
	http.ServeContent(w, r, "", time.Unix(rec.CreatedAt, 0), f)
}

// --- delete ---

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}
	if err := s.admitSimple(owner, limit.FamilyDelete); err != nil {
		s.writeError(w, r, err)
		return
	}

	name := r.PathValue("name")
	rec, err := s.deps.Meta.Remove(name, owner, false)
	if err != nil {
		// A mirror failure leaves the removal in place but still surfaces
		// as an error; everything else maps to not-found.
		s.writeError(w, r, err)
		return
	}
	s.deps.Quota.Recompute()
	s.deps.Purger.PurgeAsync(rec.Name)

	writeJSON(w, http.StatusOK, map[string]any{})
}

// --- owner listing ---

func (s *Server) handleMine(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}
	records := s.deps.Meta.ListOwnedBy(owner)

	files := make([]string, 0, len(records))
	metas := make([]recordView, 0, len(records))
	for _, rec := range records {
		files = append(files, fileURL(rec.Name))
		metas = append(metas, viewOf(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"files": files,
		"metas": metas,
	})
}

// --- api ---

func (s *Server) handleAPIConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"max_file_bytes":           s.cfg.MaxFileSize,
		"max_file_size_str":        s.cfg.MaxFileSizeString(),
		"max_active_files":         s.cfg.MaxActiveFiles,
		"enable_streaming_uploads": true,
		"chunk": map[string]any{
			"min_size":   config.MinChunkSize,
			"max_size":   config.MaxChunkSize,
			"max_chunks": config.MaxChunkCount,
		},
		"quota": s.deps.Quota.Current(),
	})
}

func (s *Server) handleAPIQuota(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"quota": s.deps.Quota.Current(),
	})
}

// --- abuse reports ---

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}
	if err := s.admitSimple(owner, limit.FamilyReport); err != nil {
		s.writeError(w, r, err)
		return
	}

	var req struct {
		Name   string `json:"name"`
		Reason string `json:"reason"`
	}
	body, err := readBody(r.Body, r.Header.Get("Content-Encoding"), 64<<10)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := json.Unmarshal(body, &req); err != nil || req.Name == "" {
		writeJSON(w, http.StatusBadRequest, apiError{Message: "invalid report", Code: "malformed-chunk"})
		return
	}

	if _, found := s.deps.Meta.Get(req.Name); !found {
		s.writeError(w, r, meta.ErrNotFound)
		return
	}
	if err := s.deps.Reports.Add(owner, req.Name, req.Reason, r.UserAgent()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}
