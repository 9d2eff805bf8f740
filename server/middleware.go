package server

import (
	"bytes"
	"encoding/base64"
	"io"
	"net/http"

	"go.uber.org/zap"
)

// verifyPackets rejects POST requests whose body does not carry a valid
// signature in the SignatureHeader header. GETs and the websocket upgrade
// pass through: only state-changing control-plane traffic is signed.
func verifyPackets(log *zap.SugaredLogger, verifier PacketVerifier, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			next.ServeHTTP(w, r)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		r.Body.Close()

		sig, err := base64.StdEncoding.DecodeString(r.Header.Get(SignatureHeader))
		if err != nil || !verifier.Verify(body, sig) {
			log.Debugw("rejecting unauthenticated request", "Path", r.URL.Path)
			http.Error(w, "invalid packet signature", http.StatusUnauthorized)
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}
