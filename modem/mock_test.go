package modem_test

import (
	gomock "go.uber.org/mock/gomock"
	"i4.energy/across/sim800/modem"
)

type MockSequenceBuilder struct {
	transport *modem.MockTransport
	calls     []any
}

func NewMockSequence(transport *modem.MockTransport) *MockSequenceBuilder {
	return &MockSequenceBuilder{
		transport: transport,
		calls:     []any{},
	}
}

// FlushIdle satisfies the pre-sync flush: one poll read with nothing
// pending.
func (b *MockSequenceBuilder) FlushIdle() *MockSequenceBuilder {
	b.calls = append(b.calls,
		b.transport.EXPECT().Read(gomock.Any()).Return(0, nil),
	)
	return b
}

func (b *MockSequenceBuilder) exchange(cmd, reply string) *MockSequenceBuilder {
	wire := cmd + "\r\n"
	b.calls = append(b.calls,
		b.transport.EXPECT().Write([]byte(wire)).Return(len(wire), nil),
		b.transport.EXPECT().Read(gomock.Any()).DoAndReturn(func(p []byte) (int, error) {
			copy(p, reply)
			return len(reply), nil
		}),
	)
	return b
}

func (b *MockSequenceBuilder) AT() *MockSequenceBuilder {
	return b.exchange("AT", "AT\r\nOK\r\n")
}

func (b *MockSequenceBuilder) EchoOff() *MockSequenceBuilder {
	return b.exchange("ATE0", "ATE0\r\nOK\r\n")
}

func (b *MockSequenceBuilder) VerboseErrors() *MockSequenceBuilder {
	return b.exchange("AT+CMEE=2", "OK\r\n")
}

func (b *MockSequenceBuilder) SimPinRequired() *MockSequenceBuilder {
	return b.exchange("AT+CPIN?", "+CPIN: SIM PIN\r\nOK\r\n")
}

func (b *MockSequenceBuilder) SimReady() *MockSequenceBuilder {
	return b.exchange("AT+CPIN?", "+CPIN: READY\r\nOK\r\n")
}

func (b *MockSequenceBuilder) SMSTextMode() *MockSequenceBuilder {
	return b.exchange("AT+CMGF=1", "OK\r\n")
}

func (b *MockSequenceBuilder) Build() []any {
	return b.calls
}

// initMockCalls is the full successful synchronization sequence.
func initMockCalls(transport *modem.MockTransport) []any {
	return NewMockSequence(transport).
		FlushIdle().
		AT().
		EchoOff().
		VerboseErrors().
		SimReady().
		SMSTextMode().
		Build()
}
