package server

import (
	"github.com/wolfeidau/issue-cache/cacheop"
)

type errorResponse struct {
	Error string `json:"error"`
}

// statusResponse is the wire form of a cacheop.Status.
type statusResponse struct {
	Tag        string `json:"tag"`
	Type       string `json:"type"`
	State      string `json:"state"`
	BytesDone  int64  `json:"bytes_done,omitempty"`
	BytesTotal int64  `json:"bytes_total,omitempty"`
	Error      string `json:"error,omitempty"`
}

func newStatusResponse(s cacheop.Status) statusResponse {
	resp := statusResponse{
		Tag:        s.Tag,
		Type:       string(s.Update.Type),
		State:      string(s.Update.State),
		BytesDone:  s.Update.BytesDone,
		BytesTotal: s.Update.BytesTotal,
	}
	if s.Update.Err != nil {
		resp.Error = s.Update.Err.Error()
	}
	return resp
}

type downloadResponse struct {
	Tag            string `json:"tag"`
	AlreadyPresent bool   `json:"already_present"`
	Files          int    `json:"files,omitempty"`
	Downloaded     int    `json:"downloaded,omitempty"`
	Skipped        int    `json:"skipped,omitempty"`
	Bytes          int64  `json:"bytes,omitempty"`
}
