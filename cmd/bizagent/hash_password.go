package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"
)

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password",
	Short: "Hash an admin password for auth.password_hash",
	Long: `Prompt for a password and print its bcrypt hash. Put the result in
auth.password_hash (or BIZAGENT_AUTH_PASSWORD_HASH) to enable admin login.`,
	Run: runHashPassword,
}

func init() {
	rootCmd.AddCommand(hashPasswordCmd)
}

func runHashPassword(cmd *cobra.Command, args []string) {
	fmt.Fprint(os.Stderr, "Enter password: ")
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		fail("reading password: %v", err)
	}
	password := strings.TrimSpace(string(raw))
	if password == "" {
		fail("password cannot be empty")
	}

	fmt.Fprint(os.Stderr, "Confirm password: ")
	raw2, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		fail("reading password: %v", err)
	}
	if string(raw) != string(raw2) {
		fail("passwords do not match")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		fail("hashing password: %v", err)
	}
	fmt.Println(string(hash))
}
