package streamstore

import "github.com/google/uuid"

func newTestUUID() string {
	return uuid.New().String()
}

func testMessage(msgType string) Message {
	return Message{
		MessageID: newTestUUID(),
		Type:      msgType,
		Data:      map[string]interface{}{"k": "v"},
	}
}

func testMessages(n int, msgType string) []Message {
	out := make([]Message, n)
	for i := range out {
		out[i] = testMessage(msgType)
	}
	return out
}
