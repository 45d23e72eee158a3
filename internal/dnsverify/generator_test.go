package dnsverify

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"strings"
	"testing"
	"time"

	"userbird-backend/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelector(t *testing.T) {
	assert.Equal(t, "userbird1700000000", Selector(time.Unix(1700000000, 0)))
}

func TestGenerateRecords(t *testing.T) {
	g := &Generator{DKIMTarget: "dkim.userbird-mail.com", MailDomain: "userbird-mail.com"}
	now := time.Unix(1700000000, 0)

	gen, err := g.Generate(7, "acme.com", now)
	require.NoError(t, err)

	require.Len(t, gen.Records, 3)
	for _, r := range gen.Records {
		assert.Equal(t, uint(7), r.CustomEmailSettingID)
	}

	txt := gen.Records[0]
	assert.Equal(t, models.DNSRecordTXT, txt.RecordType)
	assert.Equal(t, "userbird1700000000._domainkey", txt.RecordName)
	assert.True(t, strings.HasPrefix(txt.RecordValue, "k=rsa; p="))
	assert.NotContains(t, txt.RecordValue, "BEGIN")
	assert.NotContains(t, txt.RecordValue, "\n")

	assert.Equal(t, models.DNSRecordCNAME, gen.Records[1].RecordType)
	assert.Equal(t, "userbird.domainkey", gen.Records[1].RecordName)
	assert.Equal(t, "dkim.userbird-mail.com", gen.Records[1].RecordValue)

	assert.Equal(t, "mail", gen.Records[2].RecordName)
	assert.Equal(t, "userbird-mail.com", gen.Records[2].RecordValue)

	// the published key is the SPKI of the stored private key
	spki, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(txt.RecordValue, "k=rsa; p="))
	require.NoError(t, err)
	pub, err := x509.ParsePKIXPublicKey(spki)
	require.NoError(t, err)

	block, _ := pem.Decode([]byte(gen.PrivateKeyPEM))
	require.NotNil(t, block)
	priv, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	require.NoError(t, err)
	rsaKey, ok := priv.(*rsa.PrivateKey)
	require.True(t, ok)
	assert.True(t, rsaKey.PublicKey.Equal(pub))
}

func TestNextRun(t *testing.T) {
	at := func(h, m int) time.Time { return time.Date(2024, 3, 1, h, m, 0, 0, time.UTC) }

	assert.Equal(t, at(6, 0), NextRun(at(0, 0), 6*time.Hour))
	assert.Equal(t, at(12, 0), NextRun(at(7, 30), 6*time.Hour))
	assert.Equal(t, time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC), NextRun(at(23, 59), 6*time.Hour))
}
