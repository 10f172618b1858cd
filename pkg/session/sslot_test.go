package session

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/skycoin/erpc/pkg/msgbuf"
)

func TestReqHandleRespondInvokesRespondFn(t *testing.T) {
	h := &ReqHandle{ReqType: 2}
	var got *ReqHandle
	h.SetRespondFn(func(rh *ReqHandle) { got = rh })

	resp := &msgbuf.MsgBuffer{}
	h.Respond(resp, RespDynamic)

	require.Same(t, h, got)
	require.True(t, h.Responded())
	require.Equal(t, RespDynamic, h.RespKind)
}

func TestReqHandleRespondTwicePanics(t *testing.T) {
	h := &ReqHandle{}
	h.SetRespondFn(func(*ReqHandle) {})
	h.Respond(nil, RespPrealloc)

	require.Panics(t, func() {
		h.Respond(nil, RespPrealloc)
	})
}
