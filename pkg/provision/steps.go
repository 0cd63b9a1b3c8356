package provision

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/andrej220/devterm/pkg/lg"
)

// stepRun is what a step can see: the connection, the inputs and the outputs
// of the steps it declared as prior.
type stepRun struct {
	ctx    context.Context
	engine *Engine
	cmd    Commander
	in     Inputs
	repo   RepoURL
	prior  map[int]string
	logger lg.Logger
}

type step struct {
	name  string
	needs []int
	run   func(*stepRun) (string, error)
}

var steps = [StepCount]step{
	StepGenerateKey:  {name: StepNames[StepGenerateKey], run: generateKey},
	StepReadKey:      {name: StepNames[StepReadKey], run: readPublicKey},
	StepRegisterKey:  {name: StepNames[StepRegisterKey], needs: []int{StepReadKey}, run: registerKey},
	StepConfigureGit: {name: StepNames[StepConfigureGit], run: configureGit},
	StepVerify:       {name: StepNames[StepVerify], run: verifyConnection},
	StepClone:        {name: StepNames[StepClone], run: cloneRepo},
}

// exec runs a command with the default timeout. Only transport failures and
// timeouts are errors; the caller inspects the exit code.
func (s *stepRun) exec(command string) (string, string, int, error) {
	res, err := s.cmd.Execute(s.ctx, command, s.engine.opts.CommandTimeout)
	if err != nil {
		return "", "", 0, err
	}
	return res.Stdout, res.Stderr, res.ExitCode, nil
}

func (s *stepRun) keyPath() string { return "~/.ssh/" + s.engine.opts.KeyName }

func failure(stderr, fallback string) error {
	if msg := strings.TrimSpace(stderr); msg != "" {
		return errors.New(msg)
	}
	return errors.New(fallback)
}

func generateKey(s *stepRun) (string, error) {
	out, _, _, err := s.exec(fmt.Sprintf("test -f %s && echo EXISTS || echo NOT_FOUND", s.keyPath()))
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(out) == "EXISTS" {
		return "Key already exists, skipping generation", nil
	}
	if _, _, _, err := s.exec("mkdir -p ~/.ssh && chmod 700 ~/.ssh"); err != nil {
		return "", err
	}
	_, stderr, code, err := s.exec(fmt.Sprintf(`ssh-keygen -t ed25519 -C %s -f %s -N ""`,
		ShellQuote(s.in.GitUserEmail), s.keyPath()))
	if err != nil {
		return "", err
	}
	if code != 0 {
		return "", failure(stderr, "ssh-keygen failed")
	}
	return "SSH key pair generated", nil
}

func readPublicKey(s *stepRun) (string, error) {
	out, stderr, code, err := s.exec("cat " + s.keyPath() + ".pub")
	if err != nil {
		return "", err
	}
	if code != 0 {
		return "", failure(stderr, "Could not read public key")
	}
	key := strings.TrimSpace(out)
	if key == "" {
		return "", errors.New("Public key file is empty")
	}
	return key, nil
}

func registerKey(s *stepRun) (string, error) {
	reg, err := s.engine.keys.RegisterKey(s.ctx, s.in.Token, s.prior[StepReadKey], s.in.KeyTitle)
	if err != nil {
		return "", err
	}
	if reg.AlreadyExists {
		return "Key already exists on GitHub", nil
	}
	return "Key added to GitHub successfully", nil
}

func configureGit(s *stepRun) (string, error) {
	_, stderr, code, err := s.exec(fmt.Sprintf("git config --global user.name %s && git config --global user.email %s",
		ShellQuote(s.in.GitUserName), ShellQuote(s.in.GitUserEmail)))
	if err != nil {
		return "", err
	}
	if code != 0 {
		if strings.Contains(stderr, "not found") {
			return "", errors.New("git is not installed on this server")
		}
		return "", failure(stderr, "git config failed")
	}
	return fmt.Sprintf("Configured as %s <%s>", s.in.GitUserName, s.in.GitUserEmail), nil
}

const verifyExcerpt = 200

// verifyConnection trusts the text of `ssh -T`, not its exit status: the git
// host closes a successful test login with a non-zero code.
func verifyConnection(s *stepRun) (string, error) {
	host := ShellQuote(s.repo.Host)
	_, _, code, err := s.exec(fmt.Sprintf("ssh-keyscan -t ed25519,rsa %s >> ~/.ssh/known_hosts 2>/dev/null", host))
	if err != nil {
		return "", err
	}
	if code != 0 {
		s.logger.Warn("ssh-keyscan failed, continuing anyway", lg.Int("exit", code))
	}

	identity := "IdentityFile " + s.keyPath()
	entry := fmt.Sprintf(`grep -qF %s ~/.ssh/config 2>/dev/null || printf '\nHost %%s\n  IdentityFile %s\n  IdentitiesOnly yes\n' %s >> ~/.ssh/config`,
		ShellQuote(identity), s.keyPath(), host)
	if _, _, _, err := s.exec(entry); err != nil {
		return "", err
	}
	if _, _, _, err := s.exec("chmod 600 ~/.ssh/config 2>/dev/null"); err != nil {
		return "", err
	}

	out, stderr, _, err := s.exec(fmt.Sprintf("ssh -T -i %s -o StrictHostKeyChecking=no %s 2>&1 || true",
		s.keyPath(), ShellQuote("git@"+s.repo.Host)))
	if err != nil {
		return "", err
	}
	output := out + stderr
	if strings.Contains(output, "successfully authenticated") {
		return "GitHub SSH connection verified", nil
	}
	if strings.Contains(output, "Permission denied") {
		return "", errors.New("GitHub SSH verification failed: Permission denied. The key may not be properly added.")
	}
	excerpt := strings.TrimSpace(output)
	if len(excerpt) > verifyExcerpt {
		excerpt = excerpt[:verifyExcerpt]
	}
	return "Connection attempted - " + excerpt, nil
}

func cloneRepo(s *stepRun) (string, error) {
	command := fmt.Sprintf(`GIT_SSH_COMMAND="ssh -i %s -o IdentitiesOnly=yes" git clone %s`,
		s.keyPath(), ShellQuote(s.repo.SSH()))
	res, err := s.cmd.Execute(s.ctx, command, s.engine.opts.CloneTimeout)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		if strings.Contains(res.Stderr, "already exists") {
			return "Repository directory already exists", nil
		}
		return "", failure(res.Stderr, "git clone failed")
	}
	return "Repository cloned successfully", nil
}
