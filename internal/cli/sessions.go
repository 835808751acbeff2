package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/PabloGalante/parley/internal/domain"
)

func init() {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List a user's sessions in the configured storage backend",
		Long: "Read sessions straight from storage, newest first. Useful with the\n" +
			"sqlite and firestore backends; the memory backend is per-process and\n" +
			"always empty here.",
		Run: runSessions,
	}
	cmd.Flags().StringP("user", "u", "", "User ID (required)")
	cmd.Flags().IntP("limit", "n", 20, "Max sessions to list")
	cmd.MarkFlagRequired("user")
	RootCmd.AddCommand(cmd)
}

func runSessions(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	user, _ := cmd.Flags().GetString("user")
	limit, _ := cmd.Flags().GetInt("limit")

	sessions, _, closeStore := buildStorage(cmd.Context(), cfg)
	defer closeStore()

	list, err := sessions.ListSessionsByUser(domain.UserID(user), limit)
	if err != nil {
		exitErr("list sessions", err)
	}
	if len(list) == 0 {
		fmt.Println("no sessions")
		return
	}
	for _, s := range list {
		title := s.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Printf("%s  %-8s  %4d msgs  %s  %s\n",
			s.ID, s.Status, s.MessageCount, s.LastActivityAt.Format(time.RFC3339), title)
	}
}
