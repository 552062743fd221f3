package cmd

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	actionsRepo "github.com/swiftreplies/wabroker/actions/repository"
	conversationsRepo "github.com/swiftreplies/wabroker/conversations/repository"
	"github.com/swiftreplies/wabroker/core/config"
	"github.com/swiftreplies/wabroker/core/database"
	knowledgeRepo "github.com/swiftreplies/wabroker/knowledge/repository"
	tenantsRepo "github.com/swiftreplies/wabroker/tenants/repository"
	usageRepo "github.com/swiftreplies/wabroker/usage/repository"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	Run:   runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(_ *cobra.Command, _ []string) {
	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Errorf("[MIGRATE] Invalid configuration: %v", err)
		os.Exit(exitConfigError)
	}

	db, err := database.NewDatabase(cfg)
	if err != nil {
		logrus.Errorf("[MIGRATE] Database unavailable: %v", err)
		os.Exit(exitStoreError)
	}

	ctx := context.Background()
	steps := []struct {
		name string
		init func(context.Context) error
	}{
		{"tenants", tenantsRepo.NewTenantGormRepository(db).InitSchema},
		{"contacts", conversationsRepo.NewContactGormRepository(db).InitSchema},
		{"messages", conversationsRepo.NewMessageGormRepository(db).InitSchema},
		{"actions", actionsRepo.NewActionGormRepository(db).InitSchema},
		{"usage", usageRepo.NewUsageGormRepository(db).InitSchema},
		{"knowledge", knowledgeRepo.NewKnowledgeGormRepository(db).InitSchema},
	}
	for _, step := range steps {
		if err := step.init(ctx); err != nil {
			logrus.Errorf("[MIGRATE] %s schema failed: %v", step.name, err)
			os.Exit(exitStoreError)
		}
		logrus.Infof("[MIGRATE] %s schema up to date", step.name)
	}
	logrus.Info("[MIGRATE] Done")
}
