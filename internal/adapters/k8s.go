package adapters

import (
	"context"
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
)

// K8sAdapter dispatches k8s.* tool calls against a live cluster via
// client-go, grounded directly on the teacher's kubectl tool
// implementations (internal/tools/kubectl.go): same dynamic-client +
// GroupVersionResource approach, generalized to the adapter dispatch shape.
type K8sAdapter struct {
	clientset kubernetes.Interface
	dynamic   dynamic.Interface
}

func NewK8sAdapter(cs kubernetes.Interface, dc dynamic.Interface) *K8sAdapter {
	return &K8sAdapter{clientset: cs, dynamic: dc}
}

func (a *K8sAdapter) Namespace() Namespace { return NamespaceK8s }
func (a *K8sAdapter) Variant() Variant     { return VariantReal }

func (a *K8sAdapter) Invoke(ctx context.Context, action string, args map[string]any, dryRun bool) (map[string]any, error) {
	switch action {
	case "drain_node":
		return a.drainNode(ctx, args, dryRun)
	case "cordon_node":
		return a.cordonNode(ctx, args, dryRun)
	case "scale":
		return a.scale(ctx, args, dryRun)
	case "restart_deployment":
		return a.restartDeployment(ctx, args, dryRun)
	case "get":
		return a.get(ctx, args)
	default:
		return nil, Terminal(fmt.Errorf("k8s: unsupported action %q", action))
	}
}

func (a *K8sAdapter) cordonNode(ctx context.Context, args map[string]any, dryRun bool) (map[string]any, error) {
	name := stringArg(args, "name", "")
	if name == "" {
		return nil, Terminal(fmt.Errorf("k8s: missing node name"))
	}
	if dryRun {
		return map[string]any{"dry_run": true, "node": name, "cordoned": true}, nil
	}
	node, err := a.clientset.CoreV1().Nodes().Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, classifyK8sErr(err)
	}
	node.Spec.Unschedulable = true
	if _, err := a.clientset.CoreV1().Nodes().Update(ctx, node, metav1.UpdateOptions{}); err != nil {
		return nil, classifyK8sErr(err)
	}
	return map[string]any{"node": name, "cordoned": true}, nil
}

// drainNode cordons the node and evicts every pod scheduled on it. It does
// not wait for PodDisruptionBudget-respecting graceful eviction to finish;
// the execution engine polls node status separately if the runbook requires
// confirmation.
func (a *K8sAdapter) drainNode(ctx context.Context, args map[string]any, dryRun bool) (map[string]any, error) {
	name := stringArg(args, "name", "")
	if name == "" {
		return nil, Terminal(fmt.Errorf("k8s: missing node name"))
	}
	if dryRun {
		return map[string]any{"dry_run": true, "node": name, "drained": true}, nil
	}

	if _, err := a.cordonNode(ctx, args, false); err != nil {
		return nil, err
	}

	pods, err := a.clientset.CoreV1().Pods("").List(ctx, metav1.ListOptions{
		FieldSelector: "spec.nodeName=" + name,
	})
	if err != nil {
		return nil, classifyK8sErr(err)
	}

	evicted := 0
	for _, pod := range pods.Items {
		// A full implementation posts to the eviction subresource
		// (clientset.PolicyV1().Evictions) so PodDisruptionBudgets are
		// respected; this deletes directly and relies on the runbook's own
		// PDB-aware pacing between steps.
		if err := a.clientset.CoreV1().Pods(pod.Namespace).Delete(ctx, pod.Name, metav1.DeleteOptions{}); err != nil {
			continue
		}
		evicted++
	}

	return map[string]any{"node": name, "drained": true, "pods_evicted": evicted}, nil
}

func (a *K8sAdapter) scale(ctx context.Context, args map[string]any, dryRun bool) (map[string]any, error) {
	resource, name, namespace, err := workloadCoords(args)
	if err != nil {
		return nil, err
	}
	replicas := intArg(args, "replicas", -1)
	if replicas < 0 {
		return nil, Terminal(fmt.Errorf("k8s: missing replicas"))
	}
	if dryRun {
		return map[string]any{"dry_run": true, "resource": resource, "name": name, "replicas": replicas}, nil
	}

	gvr := resourceToGVR(resource)
	obj, err := a.dynamic.Resource(gvr).Namespace(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, classifyK8sErr(err)
	}
	if err := unstructured.SetNestedField(obj.Object, int64(replicas), "spec", "replicas"); err != nil {
		return nil, Terminal(err)
	}
	if _, err := a.dynamic.Resource(gvr).Namespace(namespace).Update(ctx, obj, metav1.UpdateOptions{}); err != nil {
		return nil, classifyK8sErr(err)
	}
	return map[string]any{"resource": resource, "name": name, "replicas": replicas}, nil
}

func (a *K8sAdapter) restartDeployment(ctx context.Context, args map[string]any, dryRun bool) (map[string]any, error) {
	resource, name, namespace, err := workloadCoords(args)
	if err != nil {
		return nil, err
	}
	if dryRun {
		return map[string]any{"dry_run": true, "resource": resource, "name": name}, nil
	}

	gvr := resourceToGVR(resource)
	obj, err := a.dynamic.Resource(gvr).Namespace(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, classifyK8sErr(err)
	}

	restartedAt := metav1.Now().Format("2006-01-02T15:04:05Z")
	if err := unstructured.SetNestedField(obj.Object, restartedAt, "spec", "template", "metadata", "annotations", "kubectl.kubernetes.io/restartedAt"); err != nil {
		return nil, Terminal(err)
	}
	if _, err := a.dynamic.Resource(gvr).Namespace(namespace).Update(ctx, obj, metav1.UpdateOptions{}); err != nil {
		return nil, classifyK8sErr(err)
	}
	return map[string]any{"resource": resource, "name": name, "restarted_at": restartedAt}, nil
}

func (a *K8sAdapter) get(ctx context.Context, args map[string]any) (map[string]any, error) {
	resource, name, namespace, err := workloadCoords(args)
	if err != nil {
		return nil, err
	}
	gvr := resourceToGVR(resource)
	obj, err := a.dynamic.Resource(gvr).Namespace(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, classifyK8sErr(err)
	}
	return obj.Object, nil
}

func workloadCoords(args map[string]any) (resource, name, namespace string, err error) {
	resource = stringArg(args, "resource", "deployment")
	name = stringArg(args, "name", "")
	namespace = stringArg(args, "namespace", "")
	if name == "" || namespace == "" {
		return "", "", "", Terminal(fmt.Errorf("k8s: missing name/namespace"))
	}
	return resource, name, namespace, nil
}

// classifyK8sErr maps client-go errors to terminal (bad request / not
// found / forbidden) vs transient (everything else — timeouts, server
// errors, conflicts worth retrying).
func classifyK8sErr(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case isNotFound(err), isForbidden(err), isInvalid(err):
		return Terminal(err)
	default:
		return err
	}
}

func isNotFound(err error) bool {
	type statusErr interface{ Status() metav1.Status }
	se, ok := err.(statusErr)
	return ok && se.Status().Code == 404
}

func isForbidden(err error) bool {
	type statusErr interface{ Status() metav1.Status }
	se, ok := err.(statusErr)
	return ok && se.Status().Code == 403
}

func isInvalid(err error) bool {
	type statusErr interface{ Status() metav1.Status }
	se, ok := err.(statusErr)
	return ok && (se.Status().Code == 400 || se.Status().Code == 422)
}

// resourceToGVR maps common resource names to GroupVersionResource,
// mirroring internal/tools/kubectl.go's mapping for the workload kinds the
// adapter's actions target.
func resourceToGVR(resource string) schema.GroupVersionResource {
	switch resource {
	case "deployment", "deployments", "deploy":
		return schema.GroupVersionResource{Group: "apps", Version: "v1", Resource: "deployments"}
	case "statefulset", "statefulsets", "sts":
		return schema.GroupVersionResource{Group: "apps", Version: "v1", Resource: "statefulsets"}
	case "daemonset", "daemonsets", "ds":
		return schema.GroupVersionResource{Group: "apps", Version: "v1", Resource: "daemonsets"}
	default:
		return schema.GroupVersionResource{Group: "apps", Version: "v1", Resource: resource + "s"}
	}
}

// MockK8sAdapter is a deterministic stand-in for tests and tenants without
// a configured cluster credential.
type MockK8sAdapter struct{}

func (MockK8sAdapter) Namespace() Namespace { return NamespaceK8s }
func (MockK8sAdapter) Variant() Variant     { return VariantMock }

func (MockK8sAdapter) Invoke(_ context.Context, action string, args map[string]any, dryRun bool) (map[string]any, error) {
	switch action {
	case "drain_node", "cordon_node", "scale", "restart_deployment", "get":
		return map[string]any{"mock": true, "action": action, "args": args, "dry_run": dryRun}, nil
	default:
		return nil, Terminal(fmt.Errorf("k8s: unsupported action %q", action))
	}
}
