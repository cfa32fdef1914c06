// Delivery to CloudWatch Logs' Logs_20140328.PutLogEvents target,
// signed via internal/signer, with DescribeLogStreams/group-create
// probing on InvalidSequenceToken-class errors — grounded on
// original_source/lib/iotoLib.c's serviceQueue/getLogGroup/getLogStream.
package logshipper

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/bifrost-iot/device-agent/internal/agenterr"
	"github.com/bifrost-iot/device-agent/internal/signer"
)

// Credentials is the short-lived cloud credential set spec.md §3
// describes, refreshed out-of-band by the caller.
type Credentials struct {
	AccessKey    string
	Secret       string
	SessionToken string
	Region       string
}

// CloudWatchClient delivers finalized batches to CloudWatch Logs.
type CloudWatchClient struct {
	Endpoint string // e.g. https://logs.us-east-1.amazonaws.com
	Group    string
	Stream   string
	Create   bool
	HTTP     *http.Client

	sequenceToken string
}

func NewCloudWatchClient(endpoint, group, stream string, create bool) *CloudWatchClient {
	return &CloudWatchClient{Endpoint: endpoint, Group: group, Stream: stream, Create: create, HTTP: http.DefaultClient}
}

type putLogEventsRequest struct {
	LogGroupName  string  `json:"logGroupName"`
	LogStreamName string  `json:"logStreamName"`
	LogEvents     []Event `json:"logEvents"`
	SequenceToken string  `json:"sequenceToken,omitempty"`
}

type putLogEventsResponse struct {
	NextSequenceToken string `json:"nextSequenceToken"`
}

type awsErrorResponse struct {
	Type    string `json:"__type"`
	Message string `json:"message"`
}

// Deliver sends one finalized batch, retrying once with a refreshed
// sequence token if the cloud reports InvalidSequenceToken.
func (c *CloudWatchClient) Deliver(ctx context.Context, creds Credentials, batch FinalizedBatch) error {
	err := c.putLogEvents(ctx, creds, batch)
	if err == nil {
		return nil
	}
	if !isInvalidSequenceToken(err) {
		return err
	}

	if err := c.refreshSequenceToken(ctx, creds); err != nil {
		return err
	}
	return c.putLogEvents(ctx, creds, batch)
}

func (c *CloudWatchClient) putLogEvents(ctx context.Context, creds Credentials, batch FinalizedBatch) error {
	req := putLogEventsRequest{
		LogGroupName:  c.Group,
		LogStreamName: c.Stream,
		LogEvents:     batch.Events,
		SequenceToken: c.sequenceToken,
	}
	var resp putLogEventsResponse
	if err := c.call(ctx, creds, "Logs_20140328.PutLogEvents", req, &resp); err != nil {
		return err
	}
	c.sequenceToken = resp.NextSequenceToken
	return nil
}

func (c *CloudWatchClient) refreshSequenceToken(ctx context.Context, creds Credentials) error {
	type describeReq struct {
		LogGroupName        string `json:"logGroupName"`
		LogStreamNamePrefix string `json:"logStreamNamePrefix"`
	}
	type stream struct {
		LogStreamName       string `json:"logStreamName"`
		UploadSequenceToken string `json:"uploadSequenceToken"`
	}
	type describeResp struct {
		LogStreams []stream `json:"logStreams"`
	}

	var resp describeResp
	err := c.call(ctx, creds, "Logs_20140328.DescribeLogStreams", describeReq{
		LogGroupName:        c.Group,
		LogStreamNamePrefix: c.Stream,
	}, &resp)
	if err != nil {
		if c.Create && isResourceNotFound(err) {
			return c.createGroupAndStream(ctx, creds)
		}
		return err
	}

	for _, s := range resp.LogStreams {
		if s.LogStreamName == c.Stream {
			c.sequenceToken = s.UploadSequenceToken
			return nil
		}
	}
	if c.Create {
		return c.createGroupAndStream(ctx, creds)
	}
	return agenterr.New(agenterr.CantConnect, "logshipper", "refreshSequenceToken", "log stream not found")
}

func (c *CloudWatchClient) createGroupAndStream(ctx context.Context, creds Credentials) error {
	type createGroupReq struct {
		LogGroupName string `json:"logGroupName"`
	}
	_ = c.call(ctx, creds, "Logs_20140328.CreateLogGroup", createGroupReq{LogGroupName: c.Group}, nil)

	type createStreamReq struct {
		LogGroupName  string `json:"logGroupName"`
		LogStreamName string `json:"logStreamName"`
	}
	if err := c.call(ctx, creds, "Logs_20140328.CreateLogStream", createStreamReq{
		LogGroupName: c.Group, LogStreamName: c.Stream,
	}, nil); err != nil {
		return err
	}
	c.sequenceToken = ""
	return nil
}

func (c *CloudWatchClient) call(ctx context.Context, creds Credentials, target string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return agenterr.Wrap(agenterr.BadArgs, "logshipper", "call", err)
	}

	headers := signer.Sign(signer.Request{
		Region:       creds.Region,
		Service:      "logs",
		Target:       target,
		Method:       http.MethodPost,
		Path:         "/",
		Host:         c.Endpoint,
		Body:         payload,
		AccessKey:    creds.AccessKey,
		SecretKey:    creds.Secret,
		SessionToken: creds.SessionToken,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint+"/", bytes.NewReader(payload))
	if err != nil {
		return agenterr.Wrap(agenterr.BadArgs, "logshipper", "call", err)
	}
	req.Header.Set("Content-Type", "application/x-amz-json-1.1")
	req.Header.Set("X-Amz-Target", target)
	req.Header.Set("Authorization", headers.Authorization)
	req.Header.Set("X-Amz-Date", headers.XAmzDate)
	req.Header.Set("X-Amz-Content-Sha256", headers.XAmzContentSHA256)
	if headers.XAmzSecurityToken != "" {
		req.Header.Set("X-Amz-Security-Token", headers.XAmzSecurityToken)
	}

	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return agenterr.Wrap(agenterr.CantConnect, "logshipper", "call", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		var aerr awsErrorResponse
		_ = json.Unmarshal(data, &aerr)
		return agenterr.New(agenterr.CantConnect, "logshipper", "call", aerr.Type+": "+aerr.Message)
	}
	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}

func isInvalidSequenceToken(err error) bool {
	return strings.Contains(err.Error(), "InvalidSequenceTokenException") ||
		strings.Contains(err.Error(), "Bad sequence")
}

func isResourceNotFound(err error) bool {
	return strings.Contains(err.Error(), "ResourceNotFoundException")
}
