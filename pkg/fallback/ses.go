package fallback

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"em2/pkg/logger"
)

// SESTransport delivers mail through the AWS SES SendEmail API using a
// v4-signed form POST. No SDK; the request surface is small enough to sign
// by hand.
type SESTransport struct {
	Endpoint  string // e.g. https://email.eu-west-1.amazonaws.com
	Region    string
	AccessKey string
	SecretKey string
	Client    *http.Client

	now func() time.Time
}

func NewSES(endpoint, region, accessKey, secretKey string, client *http.Client) *SESTransport {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &SESTransport{
		Endpoint:  strings.TrimSuffix(endpoint, "/"),
		Region:    region,
		AccessKey: accessKey,
		SecretKey: secretKey,
		Client:    client,
		now:       time.Now,
	}
}

func (t *SESTransport) SendMessage(ctx context.Context, from string, to, bcc []string, subject, plain, htmlBody string) (string, error) {
	form := url.Values{}
	form.Set("Action", "SendEmail")
	form.Set("Source", from)
	form.Set("Message.Subject.Data", subject)
	form.Set("Message.Body.Text.Data", plain)
	form.Set("Message.Body.Html.Data", htmlBody)
	for i, addr := range to {
		form.Set(fmt.Sprintf("Destination.ToAddresses.member.%d", i+1), addr)
	}
	for i, addr := range bcc {
		form.Set(fmt.Sprintf("Destination.BccAddresses.member.%d", i+1), addr)
	}
	body := form.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.Endpoint+"/", strings.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Content-Length", strconv.Itoa(len(body)))
	t.sign(req, body)

	resp, err := t.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ses responded %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}
	return extractTag(string(respBody), "MessageId"), nil
}

// sign applies AWS signature v4 for the ses service.
func (t *SESTransport) sign(req *http.Request, body string) {
	now := t.now().UTC()
	amzDate := now.Format("20060102T150405Z")
	dateStamp := now.Format("20060102")
	req.Header.Set("X-Amz-Date", amzDate)
	req.Header.Set("Host", req.URL.Host)

	payloadHash := sha256Hex([]byte(body))
	canonicalHeaders := "content-type:" + req.Header.Get("Content-Type") + "\n" +
		"host:" + req.URL.Host + "\n" +
		"x-amz-date:" + amzDate + "\n"
	signedHeaders := "content-type;host;x-amz-date"
	canonicalRequest := strings.Join([]string{
		req.Method, req.URL.Path, req.URL.RawQuery,
		canonicalHeaders, signedHeaders, payloadHash,
	}, "\n")

	scope := dateStamp + "/" + t.Region + "/ses/aws4_request"
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256", amzDate, scope,
		sha256Hex([]byte(canonicalRequest)),
	}, "\n")

	kDate := hmacSHA256([]byte("AWS4"+t.SecretKey), dateStamp)
	kRegion := hmacSHA256(kDate, t.Region)
	kService := hmacSHA256(kRegion, "ses")
	kSigning := hmacSHA256(kService, "aws4_request")
	signature := hex.EncodeToString(hmacSHA256(kSigning, stringToSign))

	req.Header.Set("Authorization", fmt.Sprintf(
		"AWS4-HMAC-SHA256 Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		t.AccessKey, scope, signedHeaders, signature,
	))
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

func extractTag(body, tag string) string {
	open, close := "<"+tag+">", "</"+tag+">"
	i := strings.Index(body, open)
	if i < 0 {
		return ""
	}
	rest := body[i+len(open):]
	j := strings.Index(rest, close)
	if j < 0 {
		return ""
	}
	return rest[:j]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// LogTransport writes messages to the log instead of sending them. Used in
// development and tests.
type LogTransport struct{}

func (LogTransport) SendMessage(_ context.Context, from string, to, _ []string, subject, plain, _ string) (string, error) {
	logger.Info("fallback_message", "from", from, "to", strings.Join(to, ","), "subject", subject, "body", truncate(plain, 120))
	return "log-transport", nil
}
