package main

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-attempt/internal/config"
	"github.com/stemsi/exstem-attempt/internal/database"
	"github.com/stemsi/exstem-attempt/internal/logger"
	"github.com/stemsi/exstem-attempt/internal/model"
	"github.com/stemsi/exstem-attempt/internal/repository"
)

func main() {
	var (
		title      string
		mode       string
		sections   int
		perSection int
		minutes    int
	)
	flag.StringVar(&title, "title", "Tryout Fisika", "Test title")
	flag.StringVar(&mode, "mode", string(model.TimingModeNone), "Timing mode: NONE, GROUPED or SECTIONED")
	flag.IntVar(&sections, "sections", 0, "Number of sections (0 for a flat test)")
	flag.IntVar(&perSection, "questions", 10, "Questions per section, or in total for a flat test")
	flag.IntVar(&minutes, "minutes", 10, "Minutes per section, or in total for a flat test")
	flag.Parse()

	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	timing := model.TimingMode(strings.ToUpper(mode))
	switch timing {
	case model.TimingModeNone, model.TimingModeGrouped, model.TimingModeSectioned:
	default:
		log.Fatal().Str("mode", mode).Msg("Unknown timing mode")
	}
	if timing != model.TimingModeNone && sections == 0 {
		log.Fatal().Msg("Grouped and sectioned tests need -sections")
	}

	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	testRepo := repository.NewTestRepository(pool)

	total := minutes
	if sections > 0 {
		total = minutes * sections
	}
	test := &model.Test{Title: title, DurationMinutes: total, TimingMode: timing}
	if err := testRepo.Create(ctx, test); err != nil {
		log.Fatal().Err(err).Msg("Failed to create test")
	}
	fmt.Printf("=== Seeding test %q (%s, %d min) ===\n", test.Title, test.TimingMode, test.DurationMinutes)

	position := 0
	addQuestions := func(sectionID *uuid.UUID) {
		for i := 0; i < perSection; i++ {
			position++
			q := &model.Question{
				TestID:    test.ID,
				SectionID: sectionID,
				Position:  position,
				Marks:     4,
				OptionIDs: []string{"a", "b", "c", "d"},
				Content: []model.QuestionContent{
					{Kind: model.ContentKindText, Language: "id", Body: fmt.Sprintf("Soal nomor %d", position)},
					{Kind: model.ContentKindText, Language: "en", Body: fmt.Sprintf("Question %d", position)},
				},
			}
			if err := testRepo.CreateQuestion(ctx, q); err != nil {
				log.Fatal().Err(err).Int("position", position).Msg("Failed to create question")
			}
		}
	}

	if sections == 0 {
		addQuestions(nil)
	}
	for s := 1; s <= sections; s++ {
		sec := &model.Section{TestID: test.ID, Name: fmt.Sprintf("Bagian %d", s), Order: s, DurationMinutes: minutes}
		if err := testRepo.CreateSection(ctx, sec); err != nil {
			log.Fatal().Err(err).Int("section", s).Msg("Failed to create section")
		}
		id := sec.ID
		addQuestions(&id)
		fmt.Printf("Created section %d with ID: %s\n", s, sec.ID)
	}

	fmt.Printf("\nSuccess! Test ID: %s (%d questions)\n", test.ID, position)
}
