package main

import (
	"encoding/json"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/ipv-detect/internal/experiment"
)

var promptCmd = &cobra.Command{
	Use:   "prompt",
	Short: "Manage prompt versions",
}

var promptRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a prompt file as an immutable prompt version",
	Long:  "Registers the system prompt and user template of a YAML prompt file. Registering identical content again returns the existing version.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("prompt"); err != nil {
			return err
		}

		path, _ := cmd.Flags().GetString("file")
		if path == "" {
			path = cfg.Prompt.File
		}
		pf, err := experiment.LoadPromptFile(path)
		if err != nil {
			return err
		}
		tag, _ := cmd.Flags().GetString("tag")
		if tag == "" {
			tag = pf.Tag
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		pv, created, err := experiment.NewTracker(st).RegisterPrompt(ctx, pf.System, pf.Template, tag)
		if err != nil {
			return eris.Wrap(err, "prompt register")
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			ID          string `json:"id"`
			ContentHash string `json:"content_hash"`
			VersionTag  string `json:"version_tag,omitempty"`
			Created     bool   `json:"created"`
		}{pv.ID, pv.ContentHash, pv.VersionTag, created})
	},
}

func init() {
	promptRegisterCmd.Flags().String("file", "", "prompt YAML file (default from config prompt.file)")
	promptRegisterCmd.Flags().String("tag", "", "version tag (overrides the file's tag)")

	promptCmd.AddCommand(promptRegisterCmd)
	rootCmd.AddCommand(promptCmd)
}
