package notify

import (
	"bytes"
	"html/template"
	"time"
)

// Message kinds.
const (
	KindCredentials   = "credentials"
	KindNodalApproval = "nodal_approval"
	KindPasswordReset = "password_reset"
	KindOTP           = "otp"
)

var templates = template.Must(template.New("mail").Parse(`
{{define "credentials"}}<p>Dear {{.Name}},</p>
<p>Your {{.Role}} account is ready.</p>
<p>Login ID: <b>{{.UniqueID}}</b><br>Temporary password: <b>{{.Password}}</b></p>
<p>You will be asked to choose a new password after your first login.</p>{{end}}
{{define "nodal_approval"}}<p>Dear {{.AdminName}},</p>
<p>{{.Name}} ({{.Email}}) has registered as a nodal officer with ID <b>{{.UniqueID}}</b>.</p>
<p>Approval token: <code>{{.Token}}</code></p>{{end}}
{{define "password_reset"}}<p>Dear {{.Name}},</p>
<p>Your password for <b>{{.UniqueID}}</b> has been reset.</p>
<p>Temporary password: <b>{{.Password}}</b></p>{{end}}
{{define "otp"}}<p>Your verification code for {{.Purpose}} is <b>{{.Code}}</b>.</p>
<p>It expires in {{.Minutes}} minutes.</p>{{end}}
`))

func render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func CredentialsMessage(to, name, role, uniqueID, password string) (Message, error) {
	body, err := render("credentials", map[string]string{"Name": name, "Role": role, "UniqueID": uniqueID, "Password": password})
	if err != nil {
		return Message{}, err
	}
	return Message{Kind: KindCredentials, To: to, Subject: "Your account credentials", HTML: body}, nil
}

func NodalApprovalMessage(to, adminName, name, email, uniqueID, token string) (Message, error) {
	body, err := render("nodal_approval", map[string]string{"AdminName": adminName, "Name": name, "Email": email, "UniqueID": uniqueID, "Token": token})
	if err != nil {
		return Message{}, err
	}
	return Message{Kind: KindNodalApproval, To: to, Subject: "Nodal officer registration pending approval", HTML: body}, nil
}

func PasswordResetMessage(to, name, uniqueID, password string) (Message, error) {
	body, err := render("password_reset", map[string]string{"Name": name, "UniqueID": uniqueID, "Password": password})
	if err != nil {
		return Message{}, err
	}
	return Message{Kind: KindPasswordReset, To: to, Subject: "Your password has been reset", HTML: body}, nil
}

func OTPMessage(to, purpose, code string, ttl time.Duration) (Message, error) {
	minutes := int(ttl.Round(time.Minute) / time.Minute)
	if minutes < 1 {
		minutes = 1
	}
	body, err := render("otp", map[string]any{"Purpose": purpose, "Code": code, "Minutes": minutes})
	if err != nil {
		return Message{}, err
	}
	return Message{Kind: KindOTP, To: to, Subject: "Your verification code", HTML: body}, nil
}
