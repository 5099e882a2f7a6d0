package qr

import (
	"bytes"
	"image/png"
	"testing"

	"github.com/alapierre/go-hacienda-client/hacienda"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const key = "50601022500011234567800200003100000001234198765432"

func TestVerificationLink(t *testing.T) {
	link, err := VerificationLink(hacienda.Staging.Endpoints(), key)
	require.NoError(t, err)
	assert.Equal(t, "https://www.hacienda.go.cr/ATV/ComprobanteElectronico/frmConsultaComprobante.aspx?clave="+key, link)
}

func TestVerificationLink_MalformedKey(t *testing.T) {
	_, err := VerificationLink(hacienda.Staging.Endpoints(), "123")
	assert.ErrorIs(t, err, hacienda.MalformedKey)
}

func TestKeyPNG(t *testing.T) {
	data, err := KeyPNG(hacienda.Prod.Endpoints(), key, 0)
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, DefaultSize, img.Bounds().Dx())
}
