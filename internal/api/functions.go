package api

import "net/http"

type functionInfo struct {
	Name       string   `json:"name"`
	Identity   string   `json:"identity"`
	TaskName   string   `json:"task_name"`
	Package    string   `json:"package"`
	IgnoreArgs []string `json:"ignore_args,omitempty"`
}

func (s *Server) handleListFunctions(w http.ResponseWriter, _ *http.Request) {
	fns := s.manager.Registry().List()
	out := make([]functionInfo, len(fns))
	for i, f := range fns {
		out[i] = functionInfo{
			Name:       f.Name,
			Identity:   f.Identity,
			TaskName:   f.TaskName(),
			Package:    f.Package,
			IgnoreArgs: f.IgnoreArgs,
		}
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListBackends(w http.ResponseWriter, _ *http.Request) {
	if s.backends == nil {
		s.writeJSON(w, http.StatusOK, []any{})
		return
	}
	s.writeJSON(w, http.StatusOK, s.backends.List())
}
