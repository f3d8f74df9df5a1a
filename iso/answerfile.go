package iso

import (
	_ "embed"
	"fmt"
	"strings"
	"text/template"
)

//go:embed templates/winnt.sif.tmpl
var answerFileTemplate string

var answerTmpl = template.Must(template.New("winnt.sif").Parse(answerFileTemplate))

// AnswerFileData holds the values substituted into the unattended setup
// answer file. GuestIP, GuestMask and GuestGateway configure the static
// network identity the guest uses to reach the host callback listener.
type AnswerFileData struct {
	SerialKey      string
	KeyboardLayout string
	ComputerName   string
	FullName       string
	OrgName        string
	GuestIP        string
	GuestMask      string
	GuestGateway   string
}

// RenderAnswerFile produces the winnt.sif contents for data. The output
// uses CRLF line endings, which the setup loader requires.
func RenderAnswerFile(data AnswerFileData) (string, error) {
	var sb strings.Builder
	if err := answerTmpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("rendering answer file: %w", err)
	}
	return strings.ReplaceAll(sb.String(), "\n", "\r\n"), nil
}
