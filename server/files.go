package server

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"regexp"

	"github.com/julienschmidt/httprouter"

	"github.com/execbox/sandbox/session"
	"github.com/execbox/sandbox/wire"
)

// Filesystem helpers. All paths resolve under the session root; any blocking
// filesystem call is acceptable here.

func (s *Server) sessionForQuery(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, err := s.sessions.Get(r.URL.Query().Get("session_id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Session not found")
		return nil, false
	}
	sess.Touch()
	return sess, true
}

func (s *Server) readFile(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	sess, ok := s.sessionForQuery(w, r)
	if !ok {
		return
	}
	fullPath := sess.ResolvePath(r.URL.Query().Get("file_path"))
	info, err := os.Stat(fullPath)
	if err != nil || !info.Mode().IsRegular() {
		s.writeError(w, http.StatusNotFound, "File not found")
		return
	}
	b, err := os.ReadFile(fullPath)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, wire.FileContent{Content: string(b)})
}

func (s *Server) writeFile(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req wire.WriteFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sess, err := s.sessions.Get(req.SessionID)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Session not found")
		return
	}
	sess.Touch()
	fullPath := sess.ResolvePath(req.FilePath)
	if req.MakeDirs {
		if err := os.MkdirAll(filepath.Dir(fullPath), 0o777); err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	if err := os.WriteFile(fullPath, []byte(req.Content), 0o644); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, wire.StatusOK{Status: "success"})
}

func (s *Server) fileExists(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	sess, ok := s.sessionForQuery(w, r)
	if !ok {
		return
	}
	fullPath := sess.ResolvePath(r.URL.Query().Get("file_path"))
	_, err := os.Stat(fullPath)
	s.writeJSON(w, http.StatusOK, wire.FileExists{Exists: err == nil})
}

func (s *Server) deleteFile(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req wire.DeleteFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sess, err := s.sessions.Get(req.SessionID)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Session not found")
		return
	}
	sess.Touch()
	if err := os.Remove(sess.ResolvePath(req.FilePath)); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, wire.StatusOK{Status: "success"})
}

// listFiles walks the session root and returns relative paths of regular
// files. Regex filters are OR-ed; no filters means every file.
func (s *Server) listFiles(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	sess, ok := s.sessionForQuery(w, r)
	if !ok {
		return
	}
	var filters []*regexp.Regexp
	for _, expr := range r.URL.Query()["regex"] {
		re, err := regexp.Compile(expr)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filters = append(filters, re)
	}

	root := sess.Root()
	paths := []string{}
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		if len(filters) == 0 {
			paths = append(paths, rel)
			return nil
		}
		for _, re := range filters {
			if re.MatchString(rel) {
				paths = append(paths, rel)
				return nil
			}
		}
		return nil
	})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, paths)
}
