package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/stemsi/exstem-attempt/internal/config"
	"github.com/stemsi/exstem-attempt/internal/service"
)

// issue-token mints a JWT with the server's secret. Candidates sign in
// through the school portal in production; this covers local runs.
func main() {
	var (
		candidateID int
		proctorID   int
	)
	flag.IntVar(&candidateID, "candidate", 0, "Candidate ID to issue a token for")
	flag.IntVar(&proctorID, "proctor", 0, "Proctor ID to issue a token for")
	flag.Parse()

	authService := service.NewAuthService(config.Load())

	var (
		token string
		err   error
	)
	switch {
	case candidateID > 0 && proctorID == 0:
		token, err = authService.GenerateCandidateToken(candidateID)
	case proctorID > 0 && candidateID == 0:
		token, err = authService.GenerateProctorToken(proctorID)
	default:
		fmt.Fprintln(os.Stderr, "Usage: issue-token -candidate <id> | -proctor <id>")
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
