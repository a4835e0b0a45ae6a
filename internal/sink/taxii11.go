package sink

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"misp-taxii-forwarder/internal/codec"
	"misp-taxii-forwarder/internal/config"
	"misp-taxii-forwarder/internal/util"
)

const (
	taxii11Namespace   = "http://taxii.mitre.org/messages/taxii_xml_binding-1.1"
	taxii11MessageType = "urn:taxii.mitre.org:message:xml:1.1"
	taxii11Services    = "urn:taxii.mitre.org:services:1.1"
	taxii11StatusOK    = "SUCCESS"
)

// TAXII11 pushes documents to a TAXII 1.1 inbox service.
type TAXII11 struct {
	cfg    config.TAXII11Config
	client *http.Client
	newID  func() string
}

func NewTAXII11(cfg config.TAXII11Config, timeout time.Duration) *TAXII11 {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &TAXII11{cfg: cfg, client: util.NewHTTPClient(timeout, cfg.InsecureSkipVerify), newID: uuid.NewString}
}

func (t *TAXII11) Name() string { return "taxii11" }

type taxii11Inbox struct {
	XMLName     xml.Name            `xml:"taxii_11:Inbox_Message"`
	NS          string              `xml:"xmlns:taxii_11,attr"`
	MessageID   string              `xml:"message_id,attr"`
	Destination []string            `xml:"taxii_11:Destination_Collection_Name,omitempty"`
	Block       taxii11ContentBlock `xml:"taxii_11:Content_Block"`
}

type taxii11ContentBlock struct {
	Binding   taxii11Binding `xml:"taxii_11:Content_Binding"`
	Content   taxii11Content `xml:"taxii_11:Content"`
	Timestamp string         `xml:"taxii_11:Timestamp_Label"`
}

type taxii11Binding struct {
	ID string `xml:"binding_id,attr"`
}

type taxii11Content struct {
	Inner []byte `xml:",innerxml"`
}

type taxii11Status struct {
	XMLName    xml.Name
	StatusType string `xml:"status_type,attr"`
	Message    string `xml:"Message"`
}

func (t *TAXII11) inboxMessage(doc codec.Document) ([]byte, error) {
	msg := taxii11Inbox{
		NS:        taxii11Namespace,
		MessageID: t.newID(),
		Block: taxii11ContentBlock{
			Binding:   taxii11Binding{ID: doc.Binding},
			Content:   taxii11Content{Inner: bytes.TrimPrefix(doc.Data, []byte(xml.Header))},
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		},
	}
	if c := strings.TrimSpace(t.cfg.Collection); c != "" {
		msg.Destination = []string{c}
	}
	b, err := xml.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), b...), nil
}

func (t *TAXII11) Submit(ctx context.Context, doc codec.Document) (Outcome, error) {
	body, err := t.inboxMessage(doc)
	if err != nil {
		return Outcome{}, fmt.Errorf("build inbox message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.InboxURL, bytes.NewReader(body))
	if err != nil {
		return Outcome{}, fmt.Errorf("build inbox request: %w", err)
	}
	protocol := "urn:taxii.mitre.org:protocol:http:1.0"
	if req.URL.Scheme == "https" {
		protocol = "urn:taxii.mitre.org:protocol:https:1.0"
	}
	req.Header.Set("Content-Type", "application/xml")
	req.Header.Set("Accept", "application/xml")
	req.Header.Set("X-TAXII-Content-Type", taxii11MessageType)
	req.Header.Set("X-TAXII-Accept", taxii11MessageType)
	req.Header.Set("X-TAXII-Services", taxii11Services)
	req.Header.Set("X-TAXII-Protocol", protocol)
	if t.cfg.Username != "" {
		req.SetBasicAuth(t.cfg.Username, t.cfg.Password)
	}
	if ua := t.cfg.UserAgent; ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return Outcome{}, &TransportError{Transport: t.Name(), Err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Outcome{}, &TransportError{Transport: t.Name(), Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode/100 == 5 || resp.StatusCode == http.StatusTooManyRequests {
		return Outcome{}, &TransportError{Transport: t.Name(), Err: fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(readSnippet(raw)))}
	}
	if resp.StatusCode/100 != 2 {
		return Rejected(fmt.Sprintf("http %d", resp.StatusCode), strings.TrimSpace(readSnippet(raw))), nil
	}

	var st taxii11Status
	if err := xml.Unmarshal(raw, &st); err != nil {
		return Outcome{}, &TransportError{Transport: t.Name(), Err: fmt.Errorf("decode status message: %w", err)}
	}
	if st.XMLName.Local != "Status_Message" {
		return Outcome{}, &TransportError{Transport: t.Name(), Err: fmt.Errorf("unexpected response message %q", st.XMLName.Local)}
	}
	if st.StatusType != taxii11StatusOK {
		return Rejected(st.StatusType, strings.TrimSpace(st.Message)), nil
	}
	return Accepted(), nil
}

func (t *TAXII11) Close() error {
	t.client.CloseIdleConnections()
	return nil
}
