package integration_test

import (
	"fmt"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/statengine/statmcp/citest/testutil"
	"github.com/statengine/statmcp/pkg/types"
)

var _ = Describe("Tool Dispatch", func() {
	var ts *testutil.TestServer

	BeforeEach(func() {
		var err error
		ts, err = testutil.StartTestServer(testutil.DefaultOptions())
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if ts != nil {
			ts.Stop()
		}
	})

	Describe("Session persistence", func() {
		It("carries interpreter state across calls to the same session", func() {
			resp, err := ts.RunCommand("persist", "let v = 6 * 7")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Status).To(Equal(types.StatusSuccess))

			resp, err = ts.RunCommand("persist", "show v")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Status).To(Equal(types.StatusSuccess))
			Expect(resp.Result).To(Equal("42"))

			Expect(ts.Launcher.Launched()).To(Equal(1), "both calls should share one interpreter")
		})

		It("generates a usable session id when none is given", func() {
			resp, err := ts.CallTool(types.ToolRequest{
				Tool:   types.ToolRunCommand,
				Params: map[string]string{"command": "let v = 5"},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Status).To(Equal(types.StatusSuccess))
			Expect(resp.SessionID).To(HavePrefix("s-"))

			resp, err = ts.RunCommand(resp.SessionID, "show v")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Result).To(Equal("5"))
		})
	})

	Describe("Session isolation", func() {
		It("never leaks state between eight concurrent sessions", func() {
			var wg sync.WaitGroup
			results := make([]string, 9)
			errs := make([]error, 9)

			for i := 1; i <= 8; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					id := fmt.Sprintf("s%d", i)
					if _, err := ts.RunCommand(id, fmt.Sprintf("let v = %d * 100", i)); err != nil {
						errs[i] = err
						return
					}
					resp, err := ts.RunCommand(id, "show v")
					if err != nil {
						errs[i] = err
						return
					}
					results[i] = resp.Result
				}(i)
			}
			wg.Wait()

			for i := 1; i <= 8; i++ {
				Expect(errs[i]).NotTo(HaveOccurred())
				Expect(results[i]).To(Equal(fmt.Sprintf("%d", i*100)),
					"session s%d must see only its own value", i)
			}
		})
	})

	Describe("Failure handling", func() {
		It("keeps the session alive after an interpreter-level error", func() {
			_, err := ts.RunCommand("flaky", "let v = 1")
			Expect(err).NotTo(HaveOccurred())

			resp, err := ts.RunCommand("flaky", "fail 123")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Status).To(Equal(types.StatusError))
			Expect(resp.RC).To(Equal(123))

			resp, err = ts.RunCommand("flaky", "show v")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Status).To(Equal(types.StatusSuccess))
			Expect(resp.Result).To(Equal("1"))
			Expect(ts.Launcher.Launched()).To(Equal(1))
		})

		It("replaces a session after a timeout", func() {
			_, err := ts.RunCommand("stuck", "let v = 9")
			Expect(err).NotTo(HaveOccurred())

			resp, err := ts.CallTool(types.ToolRequest{
				Tool:      types.ToolRunCommand,
				Params:    map[string]string{"command": "sleep forever"},
				SessionID: "stuck",
				TimeoutMs: 50,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Status).To(Equal(types.StatusError))
			Expect(resp.Message).To(ContainSubstring("timed out"))

			// The same id serves again, but on a fresh interpreter with
			// fresh state.
			resp, err = ts.RunCommand("stuck", "show v")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Status).To(Equal(types.StatusSuccess))
			Expect(resp.Result).To(Equal("0"))
			Expect(ts.Launcher.Launched()).To(Equal(2))
		})

		It("replaces a session after an interpreter crash", func() {
			resp, err := ts.RunCommand("doomed", "crash")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Status).To(Equal(types.StatusError))

			resp, err = ts.RunCommand("doomed", "show v")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Status).To(Equal(types.StatusSuccess))
		})
	})

	Describe("run_file", func() {
		It("renders the file-execution command with an absolute path", func() {
			resp, err := ts.CallTool(types.ToolRequest{
				Tool:   types.ToolRunFile,
				Params: map[string]string{"path": "/data/analysis.do"},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Status).To(Equal(types.StatusSuccess))
			Expect(resp.Result).To(Equal(`ran: run "/data/analysis.do"`))
		})
	})
})

var _ = Describe("Graphics gating", func() {
	It("rejects graphics calls after a failed warm-up, while plain calls serve", func() {
		opts := testutil.DefaultOptions()
		opts.FailWarmup = true
		ts, err := testutil.StartTestServer(opts)
		Expect(err).NotTo(HaveOccurred())
		defer ts.Stop()

		resp, err := ts.CallTool(types.ToolRequest{
			Tool:   types.ToolRunCommand,
			Params: map[string]string{"command": "show v", "graphics": "true"},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Status).To(Equal(types.StatusError))
		Expect(resp.Message).To(ContainSubstring("graphics are disabled"))

		resp, err = ts.CallTool(types.ToolRequest{
			Tool:   types.ToolRunCommand,
			Params: map[string]string{"command": "show v"},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Status).To(Equal(types.StatusSuccess))
	})
})

var _ = Describe("Pool behaviour over HTTP", func() {
	It("evicts the least recently used idle session at capacity", func() {
		opts := testutil.DefaultOptions()
		opts.Policy.Capacity = 2
		ts, err := testutil.StartTestServer(opts)
		Expect(err).NotTo(HaveOccurred())
		defer ts.Stop()

		_, err = ts.CreateSession("s1")
		Expect(err).NotTo(HaveOccurred())
		time.Sleep(10 * time.Millisecond)
		_, err = ts.CreateSession("s2")
		Expect(err).NotTo(HaveOccurred())
		time.Sleep(10 * time.Millisecond)
		_, err = ts.CreateSession("s3")
		Expect(err).NotTo(HaveOccurred())

		sessions, err := ts.ListSessions()
		Expect(err).NotTo(HaveOccurred())
		Expect(sessions).To(HaveLen(2))
		for _, s := range sessions {
			Expect(s.ID).NotTo(Equal("s1"), "the least recently used session should be gone")
		}
	})

	It("deletes sessions explicitly", func() {
		ts, err := testutil.StartTestServer(testutil.DefaultOptions())
		Expect(err).NotTo(HaveOccurred())
		defer ts.Stop()

		_, err = ts.CreateSession("gone")
		Expect(err).NotTo(HaveOccurred())
		Expect(ts.DeleteSession("gone")).To(Succeed())

		sessions, err := ts.ListSessions()
		Expect(err).NotTo(HaveOccurred())
		Expect(sessions).To(BeEmpty())
	})
})
