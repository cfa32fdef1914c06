package logshipper

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCloudWatchDeliverSendsPutLogEvents(t *testing.T) {
	var gotTarget string
	var gotBody putLogEventsRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTarget = r.Header.Get("X-Amz-Target")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(putLogEventsResponse{NextSequenceToken: "tok-2"})
	}))
	defer server.Close()

	client := NewCloudWatchClient(server.URL, "mygroup", "mystream", false)
	err := client.Deliver(context.Background(), Credentials{Region: "us-east-1"}, FinalizedBatch{
		Events: []Event{{TimestampMS: 1000, Message: "hi"}},
	})

	require.NoError(t, err)
	assert.Equal(t, "Logs_20140328.PutLogEvents", gotTarget)
	assert.Equal(t, "mygroup", gotBody.LogGroupName)
	assert.Equal(t, "tok-2", client.sequenceToken)
}

func TestCloudWatchDeliverRetriesOnInvalidSequenceToken(t *testing.T) {
	calls := 0

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		target := r.Header.Get("X-Amz-Target")
		switch target {
		case "Logs_20140328.PutLogEvents":
			calls++
			if calls == 1 {
				w.WriteHeader(http.StatusBadRequest)
				_ = json.NewEncoder(w).Encode(awsErrorResponse{
					Type:    "InvalidSequenceTokenException",
					Message: "wrong token",
				})
				return
			}
			_ = json.NewEncoder(w).Encode(putLogEventsResponse{NextSequenceToken: "tok-fresh"})
		case "Logs_20140328.DescribeLogStreams":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"logStreams": []map[string]string{
					{"logStreamName": "mystream", "uploadSequenceToken": "recovered-tok"},
				},
			})
		}
	}))
	defer server.Close()

	client := NewCloudWatchClient(server.URL, "mygroup", "mystream", false)
	err := client.Deliver(context.Background(), Credentials{Region: "us-east-1"}, FinalizedBatch{
		Events: []Event{{TimestampMS: 1000, Message: "hi"}},
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, "tok-fresh", client.sequenceToken)
}
