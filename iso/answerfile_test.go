package iso

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderAnswerFile(t *testing.T) {
	content, err := RenderAnswerFile(AnswerFileData{
		SerialKey:      "AAAAA-BBBBB-CCCCC-DDDDD-EEEEE",
		KeyboardLayout: "00000409",
		ComputerName:   "DESKTOP-01",
		FullName:       "John Doe",
		OrgName:        "Acme",
		GuestIP:        "192.168.56.101",
		GuestMask:      "255.255.255.0",
		GuestGateway:   "192.168.56.1",
	})
	require.NoError(t, err)

	assert.Contains(t, content, "ProductKey=AAAAA-BBBBB-CCCCC-DDDDD-EEEEE")
	assert.Contains(t, content, "Language=00000409")
	assert.Contains(t, content, "ComputerName=DESKTOP-01")
	assert.Contains(t, content, "IPAddress=192.168.56.101")
	assert.Contains(t, content, "DefaultGateway=192.168.56.1")
	assert.Contains(t, content, `Command0="C:\vmcloak\bootstrap.bat"`)

	for i, line := range strings.Split(content, "\r\n") {
		assert.NotContains(t, line, "\n", "line %d holds a bare newline", i)
	}
	assert.True(t, strings.HasPrefix(content, "[Data]\r\n"))
}
