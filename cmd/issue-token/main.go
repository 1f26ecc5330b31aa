package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/stemsi/exstem-cbt/internal/config"
	"github.com/stemsi/exstem-cbt/internal/service"
)

// issue-token prints a student JWT signed with JWT_SECRET. Tokens are
// normally issued by the school portal; this is for operators and testing.
func main() {
	var studentID, classID int
	flag.IntVar(&studentID, "student", 0, "Student ID (required)")
	flag.IntVar(&classID, "class", 0, "Class ID")
	flag.Parse()

	if studentID <= 0 {
		fmt.Fprintln(os.Stderr, "usage: issue-token -student <id> [-class <id>]")
		os.Exit(2)
	}

	cfg := config.Load()
	auth := service.NewAuthService(cfg.JWTSecret, cfg.JWTExpiry)

	token, err := auth.GenerateStudentToken(studentID, classID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sign token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
