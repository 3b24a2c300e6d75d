package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"anypay.backend/internal/domain/entities"
	domainerrors "anypay.backend/internal/domain/errors"
)

const (
	defaultExplorerBaseURL = "https://ccip.chain.link"
	defaultExplorerTimeout = 20 * time.Second
	maxErrBodyBytes        = 4096
)

// CCIP explorer message states
const (
	explorerStateSuccess = 2
	explorerStateFailure = 3
)

type explorerMessage struct {
	MessageID              string `json:"messageId"`
	State                  int    `json:"state"`
	ReceiptTransactionHash string `json:"receiptTransactionHash"`
	ReceiptBlock           uint64 `json:"receiptBlock"`
	Info                   *struct {
		ReturnData string `json:"returnData"`
	} `json:"info"`
}

// ExplorerSource reads message states from the CCIP explorer API
type ExplorerSource struct {
	baseURL    string
	httpClient *http.Client
}

// NewExplorerSource creates a source for the explorer at baseURL
func NewExplorerSource(baseURL string, httpClient *http.Client) *ExplorerSource {
	if baseURL == "" {
		baseURL = defaultExplorerBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultExplorerTimeout}
	}
	return &ExplorerSource{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// MessageStatus implements StatusSource. Messages the explorer has not indexed yet are pending.
func (s *ExplorerSource) MessageStatus(ctx context.Context, messageID string, _, _ uint64) (*entities.BridgeMessageStatus, error) {
	url := fmt.Sprintf("%s/api/h/atlas/message/%s", s.baseURL, strings.ToLower(messageID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create explorer request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("call explorer: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return &entities.BridgeMessageStatus{MessageID: messageID, State: entities.BridgeStatePending}, nil
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBodyBytes))
		return nil, fmt.Errorf("explorer returned %d: %s: %w", resp.StatusCode, strings.TrimSpace(string(body)), domainerrors.ErrBridgeStatusUnavailable)
	}

	var msg explorerMessage
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return nil, fmt.Errorf("decode explorer response: %w", err)
	}

	status := &entities.BridgeMessageStatus{
		MessageID:         messageID,
		State:             entities.BridgeStatePending,
		DestinationTxHash: strings.ToLower(msg.ReceiptTransactionHash),
		BlockNumber:       msg.ReceiptBlock,
	}
	switch msg.State {
	case explorerStateSuccess:
		status.State = entities.BridgeStateSuccess
	case explorerStateFailure:
		status.State = entities.BridgeStateFailure
		status.Reason = "bridge execution failed"
		if msg.Info != nil && msg.Info.ReturnData != "" && msg.Info.ReturnData != "0x" {
			status.Reason += ": " + msg.Info.ReturnData
		}
	}
	return status, nil
}
