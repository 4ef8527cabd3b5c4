package rpc

import (
	"net/http"

	"lendchain/native/session"
)

func (s *Server) handleSessionGrant(w http.ResponseWriter, _ *http.Request, req *RPCRequest) int {
	if s.sessions == nil {
		writeError(w, http.StatusServiceUnavailable, req.ID, codeServerError, "session store unavailable", nil)
		return codeServerError
	}
	var params struct {
		Account        string   `json:"account"`
		Key            string   `json:"key"`
		Expiry         uint64   `json:"expiry"`
		AllowedActions []string `json:"allowedActions"`
	}
	if err := firstParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "parameter object required", err.Error())
		return codeInvalidParams
	}
	account, err := parseAddress(params.Account, "account")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return codeInvalidParams
	}
	key, err := parseAddress(params.Key, "key")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return codeInvalidParams
	}
	record := &session.Session{Account: account, Key: key, Expiry: params.Expiry}
	for _, name := range params.AllowedActions {
		action, err := session.ParseAction(name)
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
			return codeInvalidParams
		}
		record.AllowedActions = append(record.AllowedActions, action)
	}

	if err := s.sessions.Grant(record); err != nil {
		s.log.Warn("session grant failed", "account", params.Account, "error", err)
		writeError(w, http.StatusBadRequest, req.ID, codeServerError, err.Error(), nil)
		return codeServerError
	}
	s.log.Info("session granted", "account", params.Account, "expiry", params.Expiry)
	writeResult(w, req.ID, map[string]bool{"ok": true})
	return 0
}

func (s *Server) handleSessionRevoke(w http.ResponseWriter, _ *http.Request, req *RPCRequest) int {
	if s.sessions == nil {
		writeError(w, http.StatusServiceUnavailable, req.ID, codeServerError, "session store unavailable", nil)
		return codeServerError
	}
	var params struct {
		Account string `json:"account"`
	}
	if err := firstParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "parameter object required", err.Error())
		return codeInvalidParams
	}
	account, err := parseAddress(params.Account, "account")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return codeInvalidParams
	}

	if err := s.sessions.Revoke(account); err != nil {
		s.log.Warn("session revoke failed", "account", params.Account, "error", err)
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, err.Error(), nil)
		return codeServerError
	}
	s.log.Info("session revoked", "account", params.Account)
	writeResult(w, req.ID, map[string]bool{"ok": true})
	return 0
}
