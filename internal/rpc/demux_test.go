package rpc

import (
	"errors"
	"testing"

	"github.com/codewiresh/esrpc/internal/protocol"
)

func TestClassify(t *testing.T) {
	exp := expectations{
		responseType:       "Echo-Response",
		streamResponseType: "Watch-Event",
		model:              testModel(t),
	}
	before := streamState{}
	after := streamState{responseReceived: true}

	cases := []struct {
		name      string
		st        streamState
		frame     protocol.Frame
		action    action
		received  bool
		wantErr   error
		close     bool
		terminate bool
	}{
		{
			name:     "initial response",
			st:       before,
			frame:    appMessage("Echo-Response", `{"msg":"hi"}`, 0),
			action:   actCompleteResponse,
			received: true,
		},
		{
			name:     "initial response with terminate",
			st:       before,
			frame:    appMessage("Echo-Response", `{"msg":"hi"}`, protocol.FlagTerminateStream),
			action:   actCompleteResponse,
			received: true,
			close:    true,
		},
		{
			name:     "stream event",
			st:       after,
			frame:    appMessage("Watch-Event", `{"n":1}`, 0),
			action:   actStreamEvent,
			received: true,
		},
		{
			name:    "stream type before response",
			st:      before,
			frame:   appMessage("Watch-Event", `{"n":1}`, 0),
			action:  actFailResponse,
			wantErr: ErrUnmappedData,
		},
		{
			name:     "response type after response",
			st:       after,
			frame:    appMessage("Echo-Response", `{}`, 0),
			action:   actStreamError,
			received: true,
			wantErr:  ErrUnmappedData,
		},
		{
			name:    "missing type header",
			st:      before,
			frame:   appMessage("", `{"msg":"hi"}`, 0),
			action:  actFailResponse,
			wantErr: ErrUnmappedData,
		},
		{
			name:  "bare terminate",
			st:    before,
			frame: appMessage("", "", protocol.FlagTerminateStream),
			close: true,
		},
		{
			name:    "undecodable response",
			st:      before,
			frame:   appMessage("Echo-Response", `{"msg":`, 0),
			action:  actFailResponse,
			wantErr: ErrDeserialization,
		},
		{
			name: "mapped application error",
			st:   before,
			frame: protocol.NewFrame(protocol.KindApplicationError, protocol.FlagTerminateStream,
				[]protocol.Header{protocol.StringHeader(protocol.HeaderServiceModelType, "InvalidInput")},
				[]byte(`{"message":"bad"}`)),
			action: actFailResponse,
			close:  true,
		},
		{
			name: "unmapped application error",
			st:   after,
			frame: protocol.NewFrame(protocol.KindApplicationError, 0,
				[]protocol.Header{protocol.StringHeader(protocol.HeaderServiceModelType, "Echo-Response")}, nil),
			action:   actStreamError,
			received: true,
			wantErr:  ErrUnmappedData,
		},
		{
			name:     "ping",
			st:       after,
			frame:    protocol.NewFrame(protocol.KindPing, 0, nil, []byte("x")),
			action:   actPong,
			received: true,
		},
		{
			name:  "ping response",
			st:    before,
			frame: protocol.NewFrame(protocol.KindPingResponse, 0, nil, nil),
		},
		{
			name:    "server error",
			st:      before,
			frame:   protocol.NewFrame(protocol.KindServerError, 0, nil, []byte("down")),
			action:  actEscalate,
			wantErr: ErrProtocolFault,
		},
		{
			name:      "unexpected kind",
			st:        before,
			frame:     protocol.NewFrame(protocol.KindConnect, 0, nil, nil),
			action:    actFailResponse,
			wantErr:   ErrInvalidData,
			terminate: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st, out := classify(tc.st, tc.frame, exp)
			if out.action != tc.action {
				t.Errorf("action = %v, want %v", out.action, tc.action)
			}
			if st.responseReceived != tc.received {
				t.Errorf("responseReceived = %v, want %v", st.responseReceived, tc.received)
			}
			if tc.wantErr != nil && !errors.Is(out.err, tc.wantErr) {
				t.Errorf("err = %v, want %v", out.err, tc.wantErr)
			}
			if out.close != tc.close {
				t.Errorf("close = %v, want %v", out.close, tc.close)
			}
			if out.terminate != tc.terminate {
				t.Errorf("terminate = %v, want %v", out.terminate, tc.terminate)
			}
		})
	}
}

func TestClassifyServiceErrorValue(t *testing.T) {
	exp := expectations{responseType: "Echo-Response", model: testModel(t)}
	f := protocol.NewFrame(protocol.KindApplicationError, 0,
		[]protocol.Header{protocol.StringHeader(protocol.HeaderServiceModelType, "InvalidInput")},
		[]byte(`{"message":"msg too long"}`))

	_, out := classify(streamState{}, f, exp)
	var se *ServiceError
	if !errors.As(out.err, &se) {
		t.Fatalf("err = %T %v, want *ServiceError", out.err, out.err)
	}
	if se.TypeID != "InvalidInput" || se.Error() != "service error InvalidInput: msg too long" {
		t.Fatalf("service error = %q", se.Error())
	}
}

func TestClassifyUnaryHasNoStreamType(t *testing.T) {
	exp := expectations{responseType: "Echo-Response", model: testModel(t)}
	_, out := classify(streamState{responseReceived: true}, appMessage("Watch-Event", `{}`, 0), exp)
	if out.action != actStreamError || !errors.Is(out.err, ErrUnmappedData) {
		t.Fatalf("outcome = %v %v", out.action, out.err)
	}
}
