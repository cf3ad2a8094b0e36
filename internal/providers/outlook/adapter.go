package outlook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	json "github.com/goccy/go-json"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/users"

	"github.com/Martian-dev/brain-sync/internal/auth"
	"github.com/Martian-dev/brain-sync/internal/sync"
)

const pageSize = 100

var selectFields = []string{
	"id", "conversationId", "subject", "from", "toRecipients", "ccRecipients",
	"bccRecipients", "bodyPreview", "receivedDateTime", "internetMessageHeaders",
}

// MessageMeta is the artifact written for every Outlook message.
type MessageMeta struct {
	ID          string            `json:"id"`
	ThreadID    string            `json:"thread_id,omitempty"`
	Subject     string            `json:"subject,omitempty"`
	Sender      string            `json:"sender,omitempty"`
	To          []string          `json:"to,omitempty"`
	Cc          []string          `json:"cc,omitempty"`
	Bcc         []string          `json:"bcc,omitempty"`
	Snippet     string            `json:"snippet,omitempty"`
	ReceivedAt  time.Time         `json:"received_at"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// Adapter lists a mailbox through Microsoft Graph, oldest message first.
type Adapter struct {
	client *msgraphsdk.GraphServiceClient
	userID string
}

// New creates an Outlook adapter authorized by cred.
func New(ctx context.Context, cred *auth.Credential, userID string) (*Adapter, error) {
	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(&tokenCredential{cred: cred}, []string{"https://graph.microsoft.com/.default"})
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}
	if userID == "" {
		userID = "me"
	}
	return &Adapter{client: client, userID: userID}, nil
}

// CollectionID implements sync.SourceAdapter.
func (a *Adapter) CollectionID() string { return "outlook" }

// AscendingByTime implements sync.Ordered; listings are ordered by receivedDateTime.
func (a *Adapter) AscendingByTime() bool { return true }

// ListPage implements sync.SourceAdapter. The page token is the Graph
// @odata.nextLink of the previous page.
func (a *Adapter) ListPage(ctx context.Context, resume sync.Watermark, pageToken string) (sync.Page, error) {
	messages := a.client.Users().ByUserId(a.userID).Messages()

	var (
		result models.MessageCollectionResponseable
		err    error
	)
	if pageToken != "" {
		result, err = messages.WithUrl(pageToken).Get(ctx, nil)
	} else {
		result, err = messages.Get(ctx, &users.ItemMessagesRequestBuilderGetRequestConfiguration{
			QueryParameters: Query(resume),
		})
	}
	if err != nil {
		return sync.Page{}, fmt.Errorf("failed to list messages: %w", err)
	}

	var page sync.Page
	if next := result.GetOdataNextLink(); next != nil {
		page.NextPageToken = *next
	}
	for _, m := range result.GetValue() {
		item, err := a.normalize(m)
		if err != nil {
			page.Reject(a.CollectionID(), deref(m.GetId()), err)
			continue
		}
		page.Add(item)
	}
	return page, nil
}

// Query builds the first-page parameters for a walk resuming from resume.
func Query(resume sync.Watermark) *users.ItemMessagesRequestBuilderGetQueryParameters {
	top := int32(pageSize)
	q := &users.ItemMessagesRequestBuilderGetQueryParameters{
		Top:     &top,
		Select:  selectFields,
		Orderby: []string{"receivedDateTime asc"},
	}
	if !resume.HighWaterMark.IsZero() {
		filter := "receivedDateTime ge " + resume.HighWaterMark.UTC().Format(time.RFC3339)
		q.Filter = &filter
	}
	return q
}

func (a *Adapter) normalize(m models.Messageable) (sync.RemoteItem, error) {
	meta, err := normalizeMessage(m)
	if err != nil {
		return sync.RemoteItem{}, err
	}
	payload, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return sync.RemoteItem{}, err
	}
	return sync.RemoteItem{
		CollectionID: a.CollectionID(),
		StableID:     meta.ID,
		OccurredAt:   meta.ReceivedAt,
		Payload:      payload,
		Extension:    ".json",
		ParentRef:    meta.ThreadID,
	}, nil
}

// normalizeMessage converts a Graph message to MessageMeta.
func normalizeMessage(m models.Messageable) (MessageMeta, error) {
	if m == nil {
		return MessageMeta{}, errors.New("nil message")
	}
	meta := MessageMeta{
		ID:       deref(m.GetId()),
		ThreadID: deref(m.GetConversationId()),
		Subject:  deref(m.GetSubject()),
		Snippet:  deref(m.GetBodyPreview()),
		To:       extractAddresses(m.GetToRecipients()),
		Cc:       extractAddresses(m.GetCcRecipients()),
		Bcc:      extractAddresses(m.GetBccRecipients()),
	}
	if meta.ID == "" {
		return MessageMeta{}, errors.New("message without id")
	}
	rcvd := m.GetReceivedDateTime()
	if rcvd == nil {
		return MessageMeta{}, errors.New("message without receivedDateTime")
	}
	meta.ReceivedAt = rcvd.UTC()

	if from := m.GetFrom(); from != nil {
		if addr := from.GetEmailAddress(); addr != nil {
			meta.Sender = deref(addr.GetAddress())
		}
	}

	if headers := m.GetInternetMessageHeaders(); len(headers) > 0 {
		meta.Headers = make(map[string]string, len(headers))
		for _, h := range headers {
			if name := h.GetName(); name != nil {
				meta.Headers[*name] = deref(h.GetValue())
			}
		}
	}
	return meta, nil
}

func extractAddresses(recipients []models.Recipientable) []string {
	var addrs []string
	for _, r := range recipients {
		if emailAddr := r.GetEmailAddress(); emailAddr != nil {
			if addr := emailAddr.GetAddress(); addr != nil {
				addrs = append(addrs, *addr)
			}
		}
	}
	return addrs
}

// tokenCredential adapts an oauth2 token source to azcore.TokenCredential.
type tokenCredential struct {
	cred *auth.Credential
}

func (c *tokenCredential) GetToken(ctx context.Context, _ policy.TokenRequestOptions) (azcore.AccessToken, error) {
	tok, err := c.cred.TokenSource.Token()
	if err != nil {
		return azcore.AccessToken{}, fmt.Errorf("outlook token: %w", err)
	}
	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = time.Now().Add(time.Hour)
	}
	return azcore.AccessToken{Token: tok.AccessToken, ExpiresOn: expiry}, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
