package shadow

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"codeberg.org/mutker/shadowmon/internal/errors"
	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
)

const (
	iotSigningService = "iotdevicegateway"
	// sha256 of the empty string
	emptyPayloadHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	presignExpiry    = 24 * time.Hour
)

// RegionFromHost extracts the region from an endpoint such as
// abc123-ats.iot.eu-west-1.amazonaws.com.
func RegionFromHost(host string) string {
	parts := strings.Split(host, ".")
	for i, p := range parts {
		if p == "iot" && i+1 < len(parts) {
			return parts[i+1]
		}
	}
	return ""
}

// defaultCredentials resolves credentials through the AWS default chain
// (environment, shared config, IMDS, ...).
func defaultCredentials(ctx context.Context, region string) (aws.CredentialsProvider, string, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, "", err
	}

	return cfg.Credentials, cfg.Region, nil
}

// PresignURL returns a SigV4 presigned wss:// URL for the MQTT endpoint.
// The session token is appended after signing, as the device gateway
// expects.
func PresignURL(ctx context.Context, creds aws.Credentials, host string, port int, region string, now time.Time) (string, error) {
	errFactory := errors.New()

	if region == "" {
		return "", errFactory.WithData(ErrSigningFailed, "region unknown for host "+host)
	}

	u := url.URL{Scheme: "wss", Host: host, Path: "/mqtt"}
	if port != 0 && port != 443 {
		u.Host = fmt.Sprintf("%s:%d", host, port)
	}
	q := url.Values{}
	q.Set("X-Amz-Expires", strconv.Itoa(int(presignExpiry.Seconds())))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", errFactory.Wrap(ErrSigningFailed, err)
	}

	token := creds.SessionToken
	creds.SessionToken = ""

	signed, _, err := v4.NewSigner().PresignHTTP(ctx, creds, req, emptyPayloadHash, iotSigningService, region, now.UTC())
	if err != nil {
		return "", errFactory.Wrap(ErrSigningFailed, err)
	}

	if token != "" {
		signed += "&X-Amz-Security-Token=" + url.QueryEscape(token)
	}

	return signed, nil
}
