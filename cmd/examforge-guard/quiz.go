package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/examforge/guard/quiz"
)

var (
	quizTitle    string
	quizStatus   string
	quizPassword string
)

func newQuizCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quiz",
		Short: "Manage guarded quizzes",
	}

	put := &cobra.Command{
		Use:   "put <quiz-id>",
		Short: "Create or update a quiz",
		Long:  `Create or update a quiz. A non-empty --password is stored as a bcrypt hash and switches the quiz to password sharing.`,
		Args:  cobra.ExactArgs(1),
		RunE:  runQuizPut,
	}
	put.Flags().StringVar(&quizTitle, "title", "", "Quiz title")
	put.Flags().StringVar(&quizStatus, "status", string(quiz.StatusPublished), "Quiz status (draft, published, archived)")
	put.Flags().StringVar(&quizPassword, "password", "", "Quiz password")

	cmd.AddCommand(put)
	return cmd
}

func runQuizPut(cmd *cobra.Command, args []string) error {
	status := quiz.Status(quizStatus)
	switch status {
	case quiz.StatusDraft, quiz.StatusPublished, quiz.StatusArchived:
	default:
		return fmt.Errorf("invalid status %q", quizStatus)
	}

	_, log, db, cleanup, err := bootstrap()
	if err != nil {
		return err
	}
	defer cleanup()

	repo := quiz.NewGormRepository(db)
	ctx := cmd.Context()

	q, err := repo.FindByID(ctx, args[0])
	if errors.Is(err, quiz.ErrNotFound) {
		q = &quiz.Quiz{ID: args[0], SharingMode: quiz.SharingPublic}
	} else if err != nil {
		return err
	}

	q.Status = status
	if quizTitle != "" {
		q.Title = quizTitle
	}
	if quizPassword != "" {
		if err := q.SetPassword(quizPassword); err != nil {
			return err
		}
	}

	if err := repo.Save(ctx, q); err != nil {
		return err
	}

	log.Info("quiz saved",
		"quiz_id", q.ID,
		"status", q.Status,
		"requires_password", q.RequiresPassword(),
	)
	return nil
}
