// SPDX-License-Identifier: AGPL-3.0-or-later

// Package response writes RPC replies: JSON payloads on success and
// errnum-carrying error documents on failure.
package response

import (
	"encoding/json"
	"net/http"

	"github.com/flux-framework/flux-core-sub001/internal/broker"
	"golang.org/x/sys/unix"
)

// JSON writes v with status 200. A nil v is sent as an empty object.
func JSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", broker.ContentType)
	w.WriteHeader(http.StatusOK)
	if v == nil {
		_, _ = w.Write([]byte("{}"))
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// Error writes err as {"errnum": N, "errstr": "..."} with a status derived
// from the errnum.
func Error(w http.ResponseWriter, err error) {
	be := broker.FromError(err)
	w.Header().Set("Content-Type", broker.ContentType)
	w.WriteHeader(Status(be.Errnum))
	_ = json.NewEncoder(w).Encode(be)
}

// Status maps an errnum onto the closest HTTP status.
func Status(errnum int) int {
	switch unix.Errno(errnum) {
	case unix.ENOENT:
		return http.StatusNotFound
	case unix.EPERM, unix.EACCES:
		return http.StatusForbidden
	case unix.EINVAL, unix.EPROTO:
		return http.StatusBadRequest
	case unix.ENOSYS:
		return http.StatusNotImplemented
	case unix.EEXIST, unix.EBUSY:
		return http.StatusConflict
	case unix.ETIMEDOUT:
		return http.StatusGatewayTimeout
	case unix.ENOSPC, unix.EDQUOT:
		return http.StatusInsufficientStorage
	}
	return http.StatusInternalServerError
}
