package helpdocs

import "strings"

// Workflow documents one multi-tool broker workflow.
type Workflow struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Steps       []string `json:"steps"`
	Example     string   `json:"example"`
	SeeAlso     []string `json:"see_also"`
}

var workflows = map[string]Workflow{
	"batch-deploy": {
		Name: "batch-deploy",
		Description: "Full batch deployment: presigned batch, confirm, trust " +
			"session, grant session. Gets many files uploaded and deployed " +
			"with the fewest approval taps.",
		Steps: []string{
			"1. request_presigned_batch — mint S3 presigned URLs for every file",
			"2. confirm_upload          — verify the PUTs landed in staging",
			"3. trust session           — the approver opens a ten-minute window",
			"4. request_grant + execute — run the deploy commands under the grant",
		},
		Example: "# Step 1: mint presigned URLs\n" +
			"request_presigned_batch files='[{\"filename\":\"app.zip\",\"content_type\":\"application/zip\"}]' \\\n" +
			"  reason='deploy app' source='bot'\n\n" +
			"# Step 2: confirm after the client PUTs\n" +
			"confirm_upload batch_id='<batch_id>' files='[{\"s3_key\":\"...\"}]'\n\n" +
			"# Step 3: request a grant for the deploy commands\n" +
			"request_grant commands='[\"aws s3 cp ...\",\"aws lambda update-function-code ...\"]' \\\n" +
			"  reason='deploy app' source='bot'\n\n" +
			"# Step 4: execute under the grant\n" +
			"execute command='aws lambda update-function-code --function-name MyFunc --zip-file fileb://app.zip' \\\n" +
			"  source='bot'",
		SeeAlso: []string{"request_presigned_batch", "confirm_upload", "request_grant", "execute"},
	},
}

// LookupWorkflow returns built-in workflow help. Accepts "batch-deploy" and
// "bouncer batch-deploy" spellings.
func LookupWorkflow(name string) (Workflow, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	key = strings.TrimPrefix(key, "/")
	key = strings.TrimPrefix(key, "bouncer ")
	wf, ok := workflows[key]
	return wf, ok
}

// FormatWorkflow renders workflow help as plain text for chat or tool
// output.
func FormatWorkflow(wf Workflow) string {
	var b strings.Builder
	b.WriteString("📖 " + wf.Name + "\n\n")
	b.WriteString(wf.Description + "\n\n")
	b.WriteString("Steps:\n")
	for _, step := range wf.Steps {
		b.WriteString("  " + step + "\n")
	}
	if wf.Example != "" {
		b.WriteString("\nExample:\n" + wf.Example + "\n")
	}
	if len(wf.SeeAlso) > 0 {
		b.WriteString("\nRelated tools: " + strings.Join(wf.SeeAlso, ", ") + "\n")
	}
	return b.String()
}
