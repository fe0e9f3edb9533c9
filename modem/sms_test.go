package modem_test

import (
	context "context"
	"errors"
	"slices"
	"testing"

	"go.uber.org/mock/gomock"
	"i4.energy/across/sim800/modem"
)

// newInitializedModem wires a mock transport through the full
// synchronization sequence and returns both, leaving further
// expectations to the caller.
func newInitializedModem(t *testing.T, ctrl *gomock.Controller) (*modem.Modem, *modem.MockTransport) {
	t.Helper()

	mockTransport := modem.NewMockTransport(ctrl)
	mockDialer := modem.NewMockDialer(ctrl)

	gomock.InOrder(
		slices.Concat(
			[]any{
				mockDialer.EXPECT().Dial(gomock.Any()).Return(mockTransport, nil),
			},
			initMockCalls(mockTransport),
		)...,
	)

	config, err := modem.NewConfigBuilder().
		WithDialer(mockDialer).
		Build()
	if err != nil {
		t.Fatalf("unexpected error from Build(): %v", err)
	}

	m, err := modem.New(context.Background(), config)
	if err != nil {
		t.Fatalf("failed to create modem: %v", err)
	}
	return m, mockTransport
}

func expectExchange(transport *modem.MockTransport, cmd, reply string) {
	wire := cmd + "\r\n"
	gomock.InOrder(
		transport.EXPECT().Write([]byte(wire)).Return(len(wire), nil),
		transport.EXPECT().Read(gomock.Any()).DoAndReturn(func(p []byte) (int, error) {
			copy(p, reply)
			return len(reply), nil
		}),
	)
}

func TestSendSMS(t *testing.T) {
	// The protocol sequence is strictly ordered:
	//
	//  1. Write: AT+CMGS="+1234567890"\r\n
	//  2. Read:  "> " (wait for prompt)
	//  3. Write: "Hello World\x1a\r\n" (only after receiving prompt)
	//  4. Read:  "+CMGS: 123\r\nOK\r\n" (wait for confirmation)
	//
	// Writing the message body before receiving the prompt fails with
	// real modem hardware.
	t.Run("Success", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		m, mockTransport := newInitializedModem(t, ctrl)

		gomock.InOrder(
			mockTransport.EXPECT().Write([]byte(`AT+CMGS="+1234567890"`+"\r\n")),
			mockTransport.EXPECT().Read(gomock.Any()).DoAndReturn(func(p []byte) (int, error) {
				return copy(p, "> "), nil
			}),
			mockTransport.EXPECT().Write([]byte("Hello World\x1a\r\n")),
			mockTransport.EXPECT().Read(gomock.Any()).DoAndReturn(func(p []byte) (int, error) {
				return copy(p, "+CMGS: 123\r\nOK\r\n"), nil
			}),
			mockTransport.EXPECT().Close().Return(nil),
		)

		if err := m.SendSMS(context.Background(), "+1234567890", "Hello World"); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		m.Close()
	})

	t.Run("Non-GSM text switches to UCS2", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		m, mockTransport := newInitializedModem(t, ctrl)

		gomock.InOrder(
			mockTransport.EXPECT().Write([]byte("AT+CSCS=\"UCS2\"\r\n")),
			mockTransport.EXPECT().Read(gomock.Any()).DoAndReturn(func(p []byte) (int, error) {
				return copy(p, "OK\r\n"), nil
			}),
			mockTransport.EXPECT().Write([]byte("AT+CSMP=17,167,0,8\r\n")),
			mockTransport.EXPECT().Read(gomock.Any()).DoAndReturn(func(p []byte) (int, error) {
				return copy(p, "OK\r\n"), nil
			}),
			// Both recipient and body travel as UCS2 hex.
			mockTransport.EXPECT().Write([]byte("AT+CMGS=\"002B0031\"\r\n")),
			mockTransport.EXPECT().Read(gomock.Any()).DoAndReturn(func(p []byte) (int, error) {
				return copy(p, "> "), nil
			}),
			mockTransport.EXPECT().Write([]byte("00E9\x1a\r\n")),
			mockTransport.EXPECT().Read(gomock.Any()).DoAndReturn(func(p []byte) (int, error) {
				return copy(p, "+CMGS: 8\r\nOK\r\n"), nil
			}),
			// Charset restored afterwards.
			mockTransport.EXPECT().Write([]byte("AT+CSMP=17,167,0,0\r\n")),
			mockTransport.EXPECT().Read(gomock.Any()).DoAndReturn(func(p []byte) (int, error) {
				return copy(p, "OK\r\n"), nil
			}),
			mockTransport.EXPECT().Write([]byte("AT+CSCS=\"GSM\"\r\n")),
			mockTransport.EXPECT().Read(gomock.Any()).DoAndReturn(func(p []byte) (int, error) {
				return copy(p, "OK\r\n"), nil
			}),
			mockTransport.EXPECT().Close().Return(nil),
		)

		if err := m.SendSMS(context.Background(), "+1", "é"); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		m.Close()
	})

	t.Run("Error on no prompt", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		m, mockTransport := newInitializedModem(t, ctrl)

		gomock.InOrder(
			mockTransport.EXPECT().Write([]byte(`AT+CMGS="+1234567890"`+"\r\n")),
			mockTransport.EXPECT().Read(gomock.Any()).DoAndReturn(func(p []byte) (int, error) {
				// Modem refuses instead of prompting.
				return copy(p, "ERROR\r\n"), nil
			}),
			mockTransport.EXPECT().Close().Return(nil),
		)

		err := m.SendSMS(context.Background(), "+1234567890", "Hello World")
		if err == nil {
			t.Error("expected error when prompt never arrives")
		}
		m.Close()
	})
}

func TestListMessages(t *testing.T) {
	t.Run("Parses plain and UCS2 bodies", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		m, mockTransport := newInitializedModem(t, ctrl)

		listing := `+CMGL: 1,"REC READ","+491701111111","","24/06/01,10:21:05+08"` + "\r\n" +
			"Hello from the field\r\n" +
			`+CMGL: 7,"REC UNREAD","+491702222222","","24/06/02,08:00:41+08"` + "\r\n" +
			"00480065006C006C006F\r\n" +
			"OK\r\n"
		expectExchange(mockTransport, `AT+CMGL="ALL"`, listing)
		mockTransport.EXPECT().Close().Return(nil)

		msgs, err := m.ListMessages(context.Background(), modem.StatusAll)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(msgs) != 2 {
			t.Fatalf("expected 2 messages, got %d", len(msgs))
		}

		first := msgs[0]
		if first.Index != 1 || first.Status != "REC READ" || first.Sender != "+491701111111" {
			t.Errorf("unexpected first header: %+v", first)
		}
		if first.Timestamp != "24/06/01,10:21:05+08" {
			t.Errorf("unexpected timestamp: %q", first.Timestamp)
		}
		if first.Text != "Hello from the field" || first.Encoded {
			t.Errorf("unexpected first body: %+v", first)
		}

		second := msgs[1]
		if second.Index != 7 || second.Status != "REC UNREAD" {
			t.Errorf("unexpected second header: %+v", second)
		}
		if !second.Encoded {
			t.Error("hex body should be recognized as encoded")
		}
		if second.Text != "Hello" {
			t.Errorf("UCS2 body should decode to %q, got %q", "Hello", second.Text)
		}
		m.Close()
	})

	t.Run("Empty store", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		m, mockTransport := newInitializedModem(t, ctrl)

		expectExchange(mockTransport, `AT+CMGL="REC UNREAD"`, "OK\r\n")
		mockTransport.EXPECT().Close().Return(nil)

		msgs, err := m.ListMessages(context.Background(), modem.StatusUnread)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(msgs) != 0 {
			t.Errorf("expected no messages, got %d", len(msgs))
		}
		m.Close()
	})
}

func TestReadAllMessages(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	m, mockTransport := newInitializedModem(t, ctrl)

	listing := `+CMGL: 2,"REC READ","+491701111111","","24/06/01,10:21:05+08"` + "\r\n" +
		"first\r\n" +
		`+CMGL: 9,"STO SENT","+491702222222","","24/06/02,08:00:41+08"` + "\r\n" +
		"second\r\n" +
		"OK\r\n"
	expectExchange(mockTransport, `AT+CMGL="ALL"`, listing)
	mockTransport.EXPECT().Close().Return(nil)

	msgs, err := m.ReadAllMessages(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	// Keyed by store slot, not listing position.
	if msg, ok := msgs[2]; !ok || msg.Text != "first" {
		t.Errorf("unexpected entry for slot 2: %+v", msgs[2])
	}
	if msg, ok := msgs[9]; !ok || msg.Status != "STO SENT" {
		t.Errorf("unexpected entry for slot 9: %+v", msgs[9])
	}
	m.Close()
}

func TestReadMessage(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		m, mockTransport := newInitializedModem(t, ctrl)

		reply := `+CMGR: "REC READ","+491701111111","","24/06/01,10:21:05+08"` + "\r\n" +
			"Water level nominal\r\n" +
			"OK\r\n"
		expectExchange(mockTransport, "AT+CMGR=4", reply)
		mockTransport.EXPECT().Close().Return(nil)

		msg, err := m.ReadMessage(context.Background(), 4)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if msg.Index != 4 || msg.Sender != "+491701111111" {
			t.Errorf("unexpected header: %+v", msg)
		}
		if msg.Text != "Water level nominal" {
			t.Errorf("unexpected body: %q", msg.Text)
		}
		m.Close()
	})

	t.Run("Empty slot", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		m, mockTransport := newInitializedModem(t, ctrl)

		expectExchange(mockTransport, "AT+CMGR=9", "OK\r\n")
		mockTransport.EXPECT().Close().Return(nil)

		_, err := m.ReadMessage(context.Background(), 9)
		if err == nil {
			t.Error("expected error for empty slot")
		}
		m.Close()
	})
}

func TestDeleteMessage(t *testing.T) {
	t.Run("Single slot", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		m, mockTransport := newInitializedModem(t, ctrl)

		expectExchange(mockTransport, "AT+CMGD=3,0", "OK\r\n")
		mockTransport.EXPECT().Close().Return(nil)

		if err := m.DeleteMessage(context.Background(), 3, modem.DeleteIndexed); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		m.Close()
	})

	t.Run("Error surfaces", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		m, mockTransport := newInitializedModem(t, ctrl)

		expectExchange(mockTransport, "AT+CMGD=99,0", "+CMS ERROR: 321\r\n")
		mockTransport.EXPECT().Close().Return(nil)

		err := m.DeleteMessage(context.Background(), 99, modem.DeleteIndexed)
		if err == nil {
			t.Error("expected error for invalid index")
		}
		var cerr *modem.CommandError
		if !errors.As(err, &cerr) || cerr.CMS != 321 {
			t.Errorf("expected CMS 321 in error, got: %v", err)
		}
		m.Close()
	})
}
