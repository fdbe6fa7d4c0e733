// Package api consumes the server's REST collaborators: user lookup,
// message history and file upload. Message bodies pass through untouched;
// decryption belongs to the timeline.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"time"

	"peerchat/models"
)

// DefaultRequestTimeout bounds one REST round trip.
const DefaultRequestTimeout = 30 * time.Second

// MessageRecord is one server-side history entry, still encrypted.
type MessageRecord struct {
	ID              int64               `json:"id"`
	SenderID        int64               `json:"senderId"`
	ReceiverID      int64               `json:"receiverId"`
	Body            string              `json:"body"`
	State           string              `json:"state"`
	ExpiredAt       string              `json:"expiredAt"`
	AESKeySender    string              `json:"aesKeySender,omitempty"`
	AESKeyReceiver  string              `json:"aesKeyReceiver,omitempty"`
	FileAttachments []models.Attachment `json:"fileAttachments,omitempty"`
}

// File is one local file staged for upload.
type File struct {
	Name        string
	ContentType string
	Content     io.Reader
}

// Client is a bearer-token JSON client for the chat server's REST API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a REST client for the given server base URL.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: DefaultRequestTimeout},
	}
}

// GetUser fetches a user's nickname and public key by id.
func (c *Client) GetUser(ctx context.Context, userID int64) (*models.User, error) {
	var user models.User
	if err := c.getJSON(ctx, "/api/users/"+strconv.FormatInt(userID, 10), &user); err != nil {
		return nil, fmt.Errorf("get user %d: %w", userID, err)
	}
	return &user, nil
}

// GetMessages fetches the encrypted conversation history with one partner.
func (c *Client) GetMessages(ctx context.Context, partnerID int64) ([]MessageRecord, error) {
	path := "/api/messages?partner_id=" + url.QueryEscape(strconv.FormatInt(partnerID, 10))
	var records []MessageRecord
	if err := c.getJSON(ctx, path, &records); err != nil {
		return nil, fmt.Errorf("get messages for partner %d: %w", partnerID, err)
	}
	return records, nil
}

// UploadFiles posts files as multipart form data and returns their upload
// descriptors with plaintext locators.
func (c *Client) UploadFiles(ctx context.Context, files []File) ([]models.Attachment, error) {
	if len(files) == 0 {
		return nil, nil
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for _, file := range files {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename=%q`, file.Name))
		if file.ContentType != "" {
			header.Set("Content-Type", file.ContentType)
		}

		part, err := writer.CreatePart(header)
		if err != nil {
			return nil, fmt.Errorf("upload files: create part %q: %w", file.Name, err)
		}
		if _, err := io.Copy(part, file.Content); err != nil {
			return nil, fmt.Errorf("upload files: copy %q: %w", file.Name, err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("upload files: finish form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/upload-files", &body)
	if err != nil {
		return nil, fmt.Errorf("upload files: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload files: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("upload files: unexpected status %s", resp.Status)
	}

	var attachments []models.Attachment
	if err := json.NewDecoder(resp.Body).Decode(&attachments); err != nil {
		return nil, fmt.Errorf("upload files: parse response: %w", err)
	}
	return attachments, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}
