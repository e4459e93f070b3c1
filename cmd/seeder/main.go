// cmd/seeder/main.go
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/unclebandit/outreach-sequencer/internal/app"
	"github.com/unclebandit/outreach-sequencer/internal/config"
	"github.com/unclebandit/outreach-sequencer/internal/logger"
	"github.com/unclebandit/outreach-sequencer/internal/model"
)

// seedFile is the YAML fixture format. Campaigns reference identities and
// leads by email so fixtures stay readable.
type seedFile struct {
	Identities []struct {
		Name       string `yaml:"name"`
		Email      string `yaml:"email"`
		SMTPHost   string `yaml:"smtp_host"`
		SMTPPort   int    `yaml:"smtp_port"`
		Username   string `yaml:"username"`
		Password   string `yaml:"password"`
		MaxPerHour int    `yaml:"max_per_hour"`
		StartHour  *int   `yaml:"start_hour"`
		EndHour    *int   `yaml:"end_hour"`
	} `yaml:"identities"`
	Leads []struct {
		Email     string `yaml:"email"`
		FirstName string `yaml:"first_name"`
		LastName  string `yaml:"last_name"`
		Company   string `yaml:"company"`
		Website   string `yaml:"website"`
		Title     string `yaml:"title"`
		Industry  string `yaml:"industry"`
		Opener    string `yaml:"personalized_opener"`
	} `yaml:"leads"`
	Campaigns []struct {
		Name     string   `yaml:"name"`
		Identity string   `yaml:"identity"`
		Rotation []string `yaml:"rotation"`
		Activate bool     `yaml:"activate"`
		Steps    []struct {
			DelayDays int    `yaml:"delay_days"`
			Subject   string `yaml:"subject"`
			Body      string `yaml:"body"`
		} `yaml:"steps"`
		Enroll []string `yaml:"enroll"`
	} `yaml:"campaigns"`
}

func main() {
	cfg, err := config.Load(config.GetConfigPath())
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger.Log = logger.NewLogger(cfg.Log.Level)
	defer logger.Log.Sync()

	if cfg.DB.Driver == "memory" {
		log.Fatal("seeding needs db.driver=postgres")
	}

	ctx := context.Background()
	a, err := app.New(ctx, cfg, logger.Log)
	if err != nil {
		logger.Log.Fatal("failed to start", zap.Error(err))
	}
	defer a.Close()

	seedFiles := os.Args[1:]
	if len(seedFiles) == 0 {
		seedFiles = []string{"seed/demo.yaml"}
	}

	for _, file := range seedFiles {
		content, err := os.ReadFile(file)
		if err != nil {
			logger.Log.Fatal("failed to read seed file", zap.String("file", file), zap.Error(err))
		}

		switch strings.ToLower(filepath.Ext(file)) {
		case ".sql":
			_, err = a.DB.ExecContext(ctx, string(content))
		case ".yaml", ".yml":
			err = seedYAML(ctx, a, content)
		default:
			err = fmt.Errorf("unsupported seed file type")
		}
		if err != nil {
			logger.Log.Fatal("failed to seed", zap.String("file", file), zap.Error(err))
		}
		logger.Log.Info("seeded", zap.String("file", file))
	}

	fmt.Println("Database seeding completed successfully!")
}

func seedYAML(ctx context.Context, a *app.App, content []byte) error {
	var data seedFile
	if err := yaml.Unmarshal(content, &data); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}

	identities := map[string]int{}
	for _, in := range data.Identities {
		identity := &model.SendingIdentity{
			Name:       in.Name,
			Email:      in.Email,
			SMTPHost:   in.SMTPHost,
			SMTPPort:   in.SMTPPort,
			Username:   in.Username,
			Password:   in.Password,
			MaxPerHour: in.MaxPerHour,
			Active:     true,
		}
		if identity.MaxPerHour == 0 {
			identity.MaxPerHour = a.Config.Sending.DefaultMaxPerHour
		}
		if err := a.Repos.Identities.Create(ctx, identity); err != nil {
			return fmt.Errorf("identity %s: %w", in.Email, err)
		}
		identities[in.Email] = identity.ID

		if in.StartHour != nil && in.EndHour != nil {
			if err := a.Campaigns.SetIdentityWindow(ctx, identity.ID, *in.StartHour, *in.EndHour, 0); err != nil {
				return fmt.Errorf("identity %s window: %w", in.Email, err)
			}
		}
	}

	leads := map[string]int{}
	for _, in := range data.Leads {
		lead := &model.Lead{
			Email:              in.Email,
			FirstName:          in.FirstName,
			LastName:           in.LastName,
			Company:            in.Company,
			Website:            in.Website,
			Title:              in.Title,
			Industry:           in.Industry,
			PersonalizedOpener: in.Opener,
		}
		if err := a.Repos.Leads.Create(ctx, lead); err != nil {
			return fmt.Errorf("lead %s: %w", in.Email, err)
		}
		leads[lead.Email] = lead.ID
	}

	for _, c := range data.Campaigns {
		campaign, err := a.Campaigns.CreateCampaign(ctx, c.Name, identities[c.Identity])
		if err != nil {
			return fmt.Errorf("campaign %s: %w", c.Name, err)
		}
		for i, step := range c.Steps {
			if _, err := a.Campaigns.AddStep(ctx, campaign.ID, i+1, step.DelayDays, step.Subject, step.Body); err != nil {
				return fmt.Errorf("campaign %s step %d: %w", c.Name, i+1, err)
			}
		}
		if len(c.Rotation) > 0 {
			ids := make([]int, 0, len(c.Rotation))
			for _, email := range c.Rotation {
				ids = append(ids, identities[email])
			}
			if _, err := a.Campaigns.SetRotationPool(ctx, campaign.ID, ids); err != nil {
				return fmt.Errorf("campaign %s rotation: %w", c.Name, err)
			}
		}
		if len(c.Enroll) > 0 {
			ids := make([]int, 0, len(c.Enroll))
			for _, email := range c.Enroll {
				ids = append(ids, leads[strings.ToLower(email)])
			}
			if _, err := a.Campaigns.EnrollLeads(ctx, campaign.ID, ids); err != nil {
				return fmt.Errorf("campaign %s enroll: %w", c.Name, err)
			}
		}
		if c.Activate {
			if err := a.Campaigns.Activate(ctx, campaign.ID); err != nil {
				return fmt.Errorf("campaign %s activate: %w", c.Name, err)
			}
		}
	}
	return nil
}
