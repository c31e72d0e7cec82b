package db

import (
	"errors"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"conductor/internal/logging"
	"conductor/pkg/models"
)

// seedAgent describes one default agent created on first boot
type seedAgent struct {
	Name         string
	Harness      string
	SystemPrompt string
}

var defaultAgents = []seedAgent{
	{
		Name:    "Iris",
		Harness: "claude-code",
		SystemPrompt: "You are Iris, a senior software engineer. Implement the task " +
			"you are given completely and describe what you changed.",
	},
	{
		Name:    "Rex",
		Harness: "claude-code",
		SystemPrompt: "You are Rex, a rigorous code reviewer. Inspect the work you are " +
			"shown and deliver your verdict in the requested format.",
	},
	{
		Name:    "Avery",
		Harness: "claude-code",
		SystemPrompt: "You are Avery, a software architect. Break product requirements " +
			"into small, independently implementable tasks.",
	},
}

// SeedDemo creates a demo room with the default agent roster when the store
// has no rooms yet. Re-running against a populated store is a no-op.
func SeedDemo(db *gorm.DB, userID string) error {
	var room models.Room
	err := db.First(&room).Error
	if err == nil {
		logging.S().Debugw("seed skipped, rooms already exist")
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	room = models.Room{ID: uuid.NewString(), Name: "Demo", UserID: userID}
	if err := db.Create(&room).Error; err != nil {
		return err
	}

	for _, s := range defaultAgents {
		agent := models.Agent{
			ID:           uuid.NewString(),
			Name:         s.Name,
			Harness:      s.Harness,
			SystemPrompt: s.SystemPrompt,
			Status:       "idle",
		}
		if err := db.Create(&agent).Error; err != nil {
			return err
		}
		if err := db.Create(&models.RoomAgent{
			RoomID:  room.ID,
			AgentID: agent.ID,
		}).Error; err != nil {
			return err
		}
	}

	names := make([]string, 0, len(defaultAgents))
	for _, s := range defaultAgents {
		names = append(names, s.Name)
	}
	logging.S().Infow("seeded demo room", "room", room.ID, "agents", strings.Join(names, ", "))
	return nil
}
