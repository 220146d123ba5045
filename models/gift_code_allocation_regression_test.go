package models_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/directory_backend/config"
	"bitbucket.org/mmdatafocus/directory_backend/models"
	"github.com/shopspring/decimal"
)

// Regression: the gift code ledger must never hand the same code to two
// checks, and must never hand out more codes than the pool holds, no matter
// how the allocations interleave.
func TestAllocateOneGiftCode_ConcurrentAllocationsNeverOversell(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "directory_test")

	config.ConnectDatabaseWithRetry()
	models.MigrateTable()

	amount := decimal.NewFromInt(25)
	const (
		poolSize   = 3
		allocators = 10
	)

	codes := make([]models.NewGiftCode, 0, poolSize)
	for i := 0; i < poolSize; i++ {
		codes = append(codes, models.NewGiftCode{
			Code:   fmt.Sprintf("GC-ALLOC-%d", i),
			Amount: amount,
		})
	}
	imported, skipped, err := models.ImportGiftCodes(ctx, codes)
	if err != nil {
		t.Fatalf("ImportGiftCodes: %v", err)
	}
	if imported != poolSize || skipped != 0 {
		t.Fatalf("expected %d imported / 0 skipped, got %d / %d", poolSize, imported, skipped)
	}

	// Pool of a different amount must stay untouched.
	if _, _, err := models.ImportGiftCodes(ctx, []models.NewGiftCode{
		{Code: "GC-OTHER-AMOUNT", Amount: decimal.NewFromInt(50)},
	}); err != nil {
		t.Fatalf("ImportGiftCodes(other amount): %v", err)
	}

	var (
		mu        sync.Mutex
		allocated []string
	)
	var wg sync.WaitGroup
	for i := 0; i < allocators; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			code, ok, err := models.AllocateOneGiftCode(ctx, amount)
			if err != nil {
				t.Errorf("AllocateOneGiftCode: %v", err)
				return
			}
			if !ok {
				return
			}
			mu.Lock()
			allocated = append(allocated, code.Code)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(allocated) != poolSize {
		t.Fatalf("expected exactly %d winners among %d allocators, got %d", poolSize, allocators, len(allocated))
	}
	seen := map[string]bool{}
	for _, c := range allocated {
		if seen[c] {
			t.Fatalf("code %q was allocated twice", c)
		}
		seen[c] = true
		if c == "GC-OTHER-AMOUNT" {
			t.Fatal("allocation crossed into a different amount pool")
		}
	}

	remaining, err := models.CountAvailableGiftCodes(ctx, amount)
	if err != nil {
		t.Fatalf("CountAvailableGiftCodes: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("expected empty pool, got %d available", remaining)
	}

	// Compensation: releasing a code puts it back for the next allocation.
	if _, ok, err := models.AllocateOneGiftCode(ctx, amount); err != nil || ok {
		t.Fatalf("expected exhausted pool before release, ok=%v err=%v", ok, err)
	}

	db := config.GetDB()
	var first models.GiftCode
	if err := db.WithContext(ctx).Where("code = ?", allocated[0]).First(&first).Error; err != nil {
		t.Fatalf("fetch allocated code: %v", err)
	}
	if err := models.ReleaseGiftCode(ctx, first.ID); err != nil {
		t.Fatalf("ReleaseGiftCode: %v", err)
	}
	released, ok, err := models.AllocateOneGiftCode(ctx, amount)
	if err != nil || !ok {
		t.Fatalf("expected allocation to succeed after release, ok=%v err=%v", ok, err)
	}
	if released.Code != first.Code {
		t.Fatalf("expected the released code back, got %q want %q", released.Code, first.Code)
	}
}

func TestAllocateOneGiftCode_SkipsExpiredCodes(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "directory_test")

	config.ConnectDatabaseWithRetry()
	models.MigrateTable()

	amount := decimal.NewFromInt(10)
	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(24 * time.Hour)
	if _, _, err := models.ImportGiftCodes(ctx, []models.NewGiftCode{
		{Code: "GC-EXPIRED", Amount: amount, ExpiresAt: &past},
		{Code: "GC-FRESH", Amount: amount, ExpiresAt: &future},
	}); err != nil {
		t.Fatalf("ImportGiftCodes: %v", err)
	}

	code, ok, err := models.AllocateOneGiftCode(ctx, amount)
	if err != nil {
		t.Fatalf("AllocateOneGiftCode: %v", err)
	}
	if !ok || code.Code != "GC-FRESH" {
		t.Fatalf("expected the unexpired code, got ok=%v code=%+v", ok, code)
	}

	// Only the expired one is left; the pool reads as exhausted.
	if _, ok, _ := models.AllocateOneGiftCode(ctx, amount); ok {
		t.Fatal("expected no allocation from an expired-only pool")
	}
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("directory-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=directory_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
